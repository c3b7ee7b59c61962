package bus

import (
	"fmt"
	"strings"
)

// Subject layout:
//
//	ticks.{venue}.{symbol}      normalized quotes, symbol with "/" as "-"
//	executions.{venue}          order results and routing attempts
//	health.venues               venue state/score snapshots
//	alerts.quality              high severity execution quality issues
const (
	subjectTicks      = "ticks"
	subjectExecutions = "executions"
	SubjectHealth     = "health.venues"
	SubjectAlerts     = "alerts.quality"
)

// TickSubject builds the subject for one venue/symbol tick stream.
func TickSubject(venue, symbol string) string {
	return fmt.Sprintf("%s.%s.%s", subjectTicks, venue, strings.ReplaceAll(symbol, "/", "-"))
}

// ExecutionSubject builds the subject for one venue's execution reports.
func ExecutionSubject(venue string) string {
	return fmt.Sprintf("%s.%s", subjectExecutions, venue)
}

// ParseTickSubject extracts venue and canonical symbol from a tick subject.
func ParseTickSubject(subject string) (venue, symbol string, err error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != subjectTicks {
		return "", "", fmt.Errorf("invalid tick subject: %s", subject)
	}
	return parts[1], strings.ReplaceAll(parts[2], "-", "/"), nil
}
