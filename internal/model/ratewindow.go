package model

import "time"

// RateWindow is a per-(principal, operation) fixed-window request counter.
// At most one active window exists per pair; expired windows are inert and
// eligible for cleanup.
type RateWindow struct {
	ID          string    `json:"id"`
	Principal   string    `json:"principal"`
	Operation   string    `json:"operation"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Expired reports whether the window has ended as of now.
func (w *RateWindow) Expired(now time.Time) bool {
	return !now.Before(w.WindowEnd)
}
