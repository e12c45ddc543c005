package domain

import "context"

// Store is the narrow command interface the aggregator needs from the
// durable store. Every mutation is a single atomic store-level command;
// callers never read a value, compute a new one and write it back.
type Store interface {
	// AddLedgerEntry records the event id if it is not already present and
	// returns true when the id was newly recorded. The insert is the
	// unique-constraint arbiter of which request gets to apply the id.
	AddLedgerEntry(ctx context.Context, subjectID, eventID string) (bool, error)
	// RemoveLedgerEntry deletes a previously recorded id. It is used when
	// applying the effect fails so the client may retry the event.
	RemoveLedgerEntry(ctx context.Context, subjectID, eventID string) error

	// AddXP atomically increments the subject's XP total. When countGame is
	// set the games_played counter is incremented alongside.
	AddXP(ctx context.Context, subjectID string, delta int64, countGame bool) error
	// IncrementQuestProgress atomically advances the (subject, quest, day)
	// progress counter, clamped to the configured cap, and returns the new
	// value.
	IncrementQuestProgress(ctx context.Context, subjectID, questID string, delta int64) (int64, error)
	// CompleteQuest marks the (subject, quest, day) record complete and
	// credits the XP reward, all-or-nothing. It returns false without any
	// effect when the record was already complete.
	CompleteQuest(ctx context.Context, subjectID, questID string, reward int64) (bool, error)

	// Totals reads the subject's current aggregates. Missing subjects
	// report zero values.
	Totals(ctx context.Context, subjectID string) (Totals, error)
}

// Apply folds one event into the durable aggregates at most once. The ledger
// insert happens first; only the request that wins the insert applies the
// effect. A lost insert means another delivery already handled the id and the
// event is reported as skipped. When the effect itself fails the ledger
// record is removed again so a later redelivery can succeed.
func Apply(ctx context.Context, st Store, ev Event) Result {
	added, err := st.AddLedgerEntry(ctx, ev.SubjectID, ev.ID)
	if err != nil {
		return Result{ID: ev.ID, Status: StatusError, Error: err.Error()}
	}
	if !added {
		return Result{ID: ev.ID, Status: StatusSkipped}
	}

	applied, err := applyEffect(ctx, st, ev)
	if err != nil {
		// Give the id back so the client's retry is not a permanent no-op.
		_ = st.RemoveLedgerEntry(ctx, ev.SubjectID, ev.ID)
		return Result{ID: ev.ID, Status: StatusError, Error: err.Error()}
	}
	if !applied {
		return Result{ID: ev.ID, Status: StatusSkipped}
	}
	return Result{ID: ev.ID, Status: StatusProcessed}
}

func applyEffect(ctx context.Context, st Store, ev Event) (bool, error) {
	switch ev.Kind {
	case KindXPDelta:
		if err := st.AddXP(ctx, ev.SubjectID, ev.Delta, true); err != nil {
			return false, err
		}
		return true, nil
	case KindQuestProgress:
		if _, err := st.IncrementQuestProgress(ctx, ev.SubjectID, ev.QuestID, ev.ProgressDelta); err != nil {
			return false, err
		}
		return true, nil
	case KindQuestComplete:
		// Completion is idempotent at the business level too: a client that
		// minted a fresh id for the same logical completion still awards
		// the reward only once.
		return st.CompleteQuest(ctx, ev.SubjectID, ev.QuestID, ev.XPReward)
	default:
		return false, errUnknownKind
	}
}
