package domain

import "errors"

// EventKind discriminates the gameplay facts a client can report.
type EventKind string

const (
	KindXPDelta       EventKind = "XP_DELTA"
	KindQuestProgress EventKind = "QUEST_PROGRESS"
	KindQuestComplete EventKind = "QUEST_COMPLETE"
)

var (
	errMissingID      = errors.New("missing event id")
	errMissingSubject = errors.New("missing subject id")
	errMissingQuest   = errors.New("missing quest id")
	errUnknownKind    = errors.New("unknown event kind")
	errBadDelta       = errors.New("progress_delta must be positive")
	errBadReward      = errors.New("xp_reward must not be negative")
)

// Event is one immutable gameplay fact. The client mints the ID before the
// event ever leaves the device; it is the sole identity the ledger dedupes on.
// Payload fields are kind-specific and flat on the wire.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	SubjectID string    `json:"subject_id"`

	// XP_DELTA
	Delta int64 `json:"delta,omitempty"`

	// QUEST_PROGRESS / QUEST_COMPLETE
	QuestID       string `json:"quest_id,omitempty"`
	ProgressDelta int64  `json:"progress_delta,omitempty"`
	XPReward      int64  `json:"xp_reward,omitempty"`

	// ClientCreatedAt is advisory only (unix milliseconds). The server never
	// trusts it for day-bucket decisions.
	ClientCreatedAt int64 `json:"client_created_at,omitempty"`
}

// Validate reports whether the event is structurally sound. It does not
// consult any store; duplicate IDs are the ledger's concern.
func (e Event) Validate() error {
	if e.ID == "" {
		return errMissingID
	}
	if e.SubjectID == "" {
		return errMissingSubject
	}
	switch e.Kind {
	case KindXPDelta:
		return nil
	case KindQuestProgress:
		if e.QuestID == "" {
			return errMissingQuest
		}
		if e.ProgressDelta <= 0 {
			return errBadDelta
		}
		return nil
	case KindQuestComplete:
		if e.QuestID == "" {
			return errMissingQuest
		}
		if e.XPReward < 0 {
			return errBadReward
		}
		return nil
	default:
		return errUnknownKind
	}
}
