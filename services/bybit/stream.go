package bybit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnivenue/routing/internal/marketdata"
	"github.com/omnivenue/routing/pkg/types"
)

const (
	mainnetWSURL = "wss://stream.bybit.com/v5/public/spot"
	testnetWSURL = "wss://stream-testnet.bybit.com/v5/public/spot"

	pingPeriod   = 20 * time.Second
	writeTimeout = 5 * time.Second
)

// openTicker dials the public spot stream for one symbol and pumps its
// ticker frames through the normalizer. Per symbol there is exactly one
// connection; fan-out happens in the feed.
func (a *Adapter) openTicker(symbol string, deliver func(types.Quote)) (func(), error) {
	wsURL := mainnetWSURL
	if a.Info().Sandbox {
		wsURL = testnetWSURL
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, &types.NetworkError{Venue: "bybit", Op: "dial " + wsURL, Err: err}
	}

	topic := "tickers." + a.DenormalizeSymbol(symbol)
	sub := wsCommand{Op: "subscribe", Args: []string{topic}}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, &types.NetworkError{Venue: "bybit", Op: "subscribe " + topic, Err: err}
	}

	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go a.pingLoop(conn, stopCh, &wg)
	go a.readLoop(conn, symbol, topic, deliver, stopCh, &wg)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			conn.Close()
			wg.Wait()
		})
	}, nil
}

// pingLoop keeps the stream alive; Bybit drops silent connections.
func (a *Adapter) pingLoop(conn *websocket.Conn, stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(wsCommand{Op: "ping"}); err != nil {
				a.Logger().WithError(err).Warn("stream ping failed")
				return
			}
		}
	}
}

// readLoop normalizes ticker frames and delivers them in arrival order.
// Malformed frames are logged and dropped; the loop keeps running.
func (a *Adapter) readLoop(conn *websocket.Conn, symbol, topic string, deliver func(types.Quote), stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	norm := marketdata.NewNormalizer("bybit")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
			default:
				a.Logger().WithError(err).WithField("symbol", symbol).Warn("ticker stream closed")
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.Logger().WithError(err).Debug("dropping malformed frame")
			continue
		}
		if env.Topic != topic || len(env.Data) == 0 {
			continue // op acks, pongs, other topics
		}

		q, err := norm.FromJSON(symbol, env.Data)
		if err != nil {
			a.Logger().WithError(err).WithField("symbol", symbol).Debug("dropping malformed tick")
			continue
		}
		deliver(q)
	}
}
