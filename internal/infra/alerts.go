package infra

import (
	"sync"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

const defaultAlertCapacity = 50

// AlertLog keeps the most recent alerts in memory for status snapshots.
type AlertLog struct {
	mu       sync.Mutex
	alerts   []domain.Alert
	capacity int
}

// NewAlertLog creates an alert log holding up to capacity entries.
func NewAlertLog(capacity int) *AlertLog {
	if capacity <= 0 {
		capacity = defaultAlertCapacity
	}
	return &AlertLog{capacity: capacity}
}

// Raise appends an alert, evicting the oldest when full.
func (l *AlertLog) Raise(alert domain.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, alert)
	if len(l.alerts) > l.capacity {
		l.alerts = l.alerts[len(l.alerts)-l.capacity:]
	}
}

// Recent returns up to limit alerts, newest first.
func (l *AlertLog) Recent(limit int) []domain.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.alerts) {
		limit = len(l.alerts)
	}
	out := make([]domain.Alert, 0, limit)
	for i := len(l.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.alerts[i])
	}
	return out
}

var _ domain.AlertSink = (*AlertLog)(nil)
