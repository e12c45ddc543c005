package api

import "lexiquest-sync/domain"

const syncMaxBodySize = 256 * 1024 // 256 KiB

// POST /api/sync and /api/sync-fast request body.
type syncRequest struct {
	Events []domain.Event `json:"events"`
}

// POST /api/sync and /api/sync-fast response body. AcceptedIDs lists every
// id that is settled server-side (processed or duplicate) and safe to drop
// from the client outbox; per-event detail is carried in Results.
type syncResponse struct {
	Results     []domain.Result `json:"results"`
	AcceptedIDs []string        `json:"accepted_ids"`
	Totals      domain.Totals   `json:"totals"`
}
