package domain

// Status classifies the server-side outcome of a single event.
type Status string

const (
	// StatusProcessed means the event's effect was applied and its ledger
	// record written by this request.
	StatusProcessed Status = "processed"
	// StatusSkipped means the event was recognized as already applied,
	// either by the ledger or by a business rule (quest already complete).
	StatusSkipped Status = "skipped"
	// StatusError means the event was not applied.
	StatusError Status = "error"
)

// Result is the per-event outcome reported back to the client. Permanent
// errors must not be retried; the client drops the offending event instead.
type Result struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// Accepted reports whether the event is settled from the client's point of
// view and may be removed from the outbox.
func (r Result) Accepted() bool {
	return r.Status == StatusProcessed || r.Status == StatusSkipped
}

// Totals is the derived XP aggregate for one subject.
type Totals struct {
	TotalXP     int64 `json:"total_xp"`
	GamesPlayed int64 `json:"games_played"`
}
