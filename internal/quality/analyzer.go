package quality

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/pkg/types"
)

// Defaults; Config overrides any of them.
const (
	defaultEWMAWeight  = 0.2
	defaultRingSize    = 20
	defaultAlertBuffer = 64

	defaultLatencyLow      = 500 * time.Millisecond
	defaultLatencyMedium   = time.Second
	defaultLatencyCritical = 2 * time.Second

	defaultSlippageLow      = 0.002
	defaultSlippageMedium   = 0.005
	defaultSlippageCritical = 0.01
)

// Config tunes quality analysis. Zero values pick the defaults.
type Config struct {
	EWMAWeight float64 // bias toward recent executions (default 0.2)
	RingSize   int     // per-venue history kept for inspection (default 20)

	// Latency severity thresholds (defaults 500ms / 1s / 2s).
	LatencyLow      time.Duration
	LatencyMedium   time.Duration
	LatencyCritical time.Duration

	// Slippage severity thresholds, fractions of the requested price
	// (defaults 0.2% / 0.5% / 1%).
	SlippageLow      float64
	SlippageMedium   float64
	SlippageCritical float64

	AlertBuffer int // alert channel capacity (default 64)
}

func (c Config) withDefaults() Config {
	if c.EWMAWeight <= 0 || c.EWMAWeight > 1 {
		c.EWMAWeight = defaultEWMAWeight
	}
	if c.RingSize <= 0 {
		c.RingSize = defaultRingSize
	}
	if c.LatencyLow <= 0 {
		c.LatencyLow = defaultLatencyLow
	}
	if c.LatencyMedium <= 0 {
		c.LatencyMedium = defaultLatencyMedium
	}
	if c.LatencyCritical <= 0 {
		c.LatencyCritical = defaultLatencyCritical
	}
	if c.SlippageLow <= 0 {
		c.SlippageLow = defaultSlippageLow
	}
	if c.SlippageMedium <= 0 {
		c.SlippageMedium = defaultSlippageMedium
	}
	if c.SlippageCritical <= 0 {
		c.SlippageCritical = defaultSlippageCritical
	}
	if c.AlertBuffer <= 0 {
		c.AlertBuffer = defaultAlertBuffer
	}
	return c
}

// Severity grades how far an execution strayed from acceptable.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// Alert flags a single critical execution. Issues below critical severity
// auto-resolve: they are logged and recorded but never alerted.
type Alert struct {
	Venue    string    `json:"venue"`
	Symbol   string    `json:"symbol"`
	ClientID string    `json:"client_id"`
	Severity Severity  `json:"severity"`
	Metric   string    `json:"metric"` // latency, slippage or failure
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Record is one execution attempt as the analyzer saw it.
type Record struct {
	Venue    string        `json:"venue"`
	Symbol   string        `json:"symbol"`
	ClientID string        `json:"client_id"`
	Side     types.Side    `json:"side"`
	Success  bool          `json:"success"`
	Latency  time.Duration `json:"latency"`
	Slippage float64       `json:"slippage"`
	Severity Severity      `json:"severity"`
	Resolved bool          `json:"resolved"` // graded issue below the alert threshold
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Analyzer keeps rolling execution-quality scores per venue. Every routing
// attempt is recorded, including the failed ones, so the scores reflect what
// the router actually experienced rather than only the happy path.
type Analyzer struct {
	cfg      Config
	mu       sync.RWMutex
	scores   map[string]*types.VenueScore
	recent   map[string][]Record
	attempts map[string]int
	alerts   chan Alert
	logger   *logrus.Entry
}

// New creates an analyzer with empty history.
func New(cfg Config) *Analyzer {
	cfg = cfg.withDefaults()
	return &Analyzer{
		cfg:      cfg,
		scores:   make(map[string]*types.VenueScore),
		recent:   make(map[string][]Record),
		attempts: make(map[string]int),
		alerts:   make(chan Alert, cfg.AlertBuffer),
		logger:   logrus.WithField("component", "quality"),
	}
}

// Observe ingests one execution attempt against a venue. res may be nil when
// the attempt errored before a result existed.
func (a *Analyzer) Observe(venue string, req *types.OrderRequest, res *types.OrderResult, err error) {
	now := time.Now()

	rec := Record{
		Venue:    venue,
		Symbol:   req.Symbol,
		ClientID: req.ClientID,
		Side:     req.Side,
		Success:  err == nil,
		At:       now,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if res != nil {
		rec.Latency = res.Latency
		rec.Slippage = slippage(req.Side, res)
	}

	sev, metric, msg := a.grade(rec)
	rec.Severity = sev
	rec.Resolved = sev > SeverityNone && sev < SeverityCritical

	a.mu.Lock()
	a.attempts[req.ClientID]++
	a.pushRecord(rec)
	score := a.updateScore(rec, now)
	a.mu.Unlock()

	a.emit(rec, metric, msg, score)
}

// Score returns a copy of the venue's rolling score. Unknown venues score
// neutral so a fresh venue is not penalized before its first fill.
func (a *Analyzer) Score(venue string) types.VenueScore {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.scores[venue]; ok {
		return *s
	}
	return types.VenueScore{Venue: venue}
}

// Scores returns a snapshot of all venue scores.
func (a *Analyzer) Scores() map[string]types.VenueScore {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]types.VenueScore, len(a.scores))
	for venue, s := range a.scores {
		out[venue] = *s
	}
	return out
}

// Recent returns the venue's last executions, newest last.
func (a *Analyzer) Recent(venue string) []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Record, len(a.recent[venue]))
	copy(out, a.recent[venue])
	return out
}

// Attempts returns how many attempts were made for one client order id,
// across venues and retries.
func (a *Analyzer) Attempts(clientID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.attempts[clientID]
}

// Alerts exposes the critical-execution stream. The channel is buffered;
// slow consumers lose alerts (each one is also logged).
func (a *Analyzer) Alerts() <-chan Alert {
	return a.alerts
}

func (a *Analyzer) pushRecord(rec Record) {
	ring := append(a.recent[rec.Venue], rec)
	if len(ring) > a.cfg.RingSize {
		ring = ring[len(ring)-a.cfg.RingSize:]
	}
	a.recent[rec.Venue] = ring
}

func (a *Analyzer) updateScore(rec Record, now time.Time) types.VenueScore {
	s, ok := a.scores[rec.Venue]
	if !ok {
		s = &types.VenueScore{Venue: rec.Venue}
		a.scores[rec.Venue] = s
	}

	outcome := 0.0
	if rec.Success {
		outcome = 1.0
	}

	w := a.cfg.EWMAWeight
	if s.Samples == 0 {
		s.SuccessRate = outcome
		s.AvgLatency = rec.Latency
		s.AvgSlippage = rec.Slippage
	} else {
		s.SuccessRate = (1-w)*s.SuccessRate + w*outcome
		if rec.Latency > 0 {
			s.AvgLatency = time.Duration((1-w)*float64(s.AvgLatency) + w*float64(rec.Latency))
		}
		if rec.Success {
			s.AvgSlippage = (1-w)*s.AvgSlippage + w*rec.Slippage
		}
	}
	s.Samples++
	s.UpdatedAt = now
	return *s
}

// emit logs every graded issue. Only critical ones reach the alert channel;
// the rest auto-resolve.
func (a *Analyzer) emit(rec Record, metric, msg string, score types.VenueScore) {
	if rec.Severity == SeverityNone {
		return
	}

	log := a.logger.WithFields(logrus.Fields{
		"venue":    rec.Venue,
		"symbol":   rec.Symbol,
		"severity": rec.Severity.String(),
		"metric":   metric,
		"cost_eff": score.CostEfficiency(),
	})

	if rec.Severity < SeverityCritical {
		log.WithField("resolved", true).Info(msg)
		return
	}
	log.Warn(msg)

	alert := Alert{
		Venue:    rec.Venue,
		Symbol:   rec.Symbol,
		ClientID: rec.ClientID,
		Severity: rec.Severity,
		Metric:   metric,
		Message:  msg,
		At:       rec.At,
	}
	select {
	case a.alerts <- alert:
	default:
	}
}

func (a *Analyzer) grade(rec Record) (Severity, string, string) {
	if !rec.Success {
		return SeverityLow, "failure", fmt.Sprintf("execution attempt failed: %s", rec.Error)
	}

	latSev := SeverityNone
	switch {
	case rec.Latency >= a.cfg.LatencyCritical:
		latSev = SeverityCritical
	case rec.Latency >= a.cfg.LatencyMedium:
		latSev = SeverityMedium
	case rec.Latency >= a.cfg.LatencyLow:
		latSev = SeverityLow
	}

	slipSev := SeverityNone
	switch {
	case rec.Slippage >= a.cfg.SlippageCritical:
		slipSev = SeverityCritical
	case rec.Slippage >= a.cfg.SlippageMedium:
		slipSev = SeverityMedium
	case rec.Slippage >= a.cfg.SlippageLow:
		slipSev = SeverityLow
	}

	if slipSev >= latSev && slipSev > SeverityNone {
		return slipSev, "slippage", fmt.Sprintf("slippage %.4f%% on %s", rec.Slippage*100, rec.Symbol)
	}
	if latSev > SeverityNone {
		return latSev, "latency", fmt.Sprintf("execution latency %s on %s", rec.Latency, rec.Symbol)
	}
	return SeverityNone, "", ""
}

// slippage is the adverse move from requested to fill price as a fraction.
// Price improvement counts as zero cost. Market orders with no requested
// price contribute nothing.
func slippage(side types.Side, res *types.OrderResult) float64 {
	if res.RequestedPrice.IsZero() || res.FillPrice.IsZero() {
		return 0
	}
	diff := res.FillPrice.Sub(res.RequestedPrice)
	if side == types.SideSell {
		diff = diff.Neg()
	}
	frac, _ := diff.Div(res.RequestedPrice).Float64()
	if frac < 0 {
		return 0
	}
	return frac
}
