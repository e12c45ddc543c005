package client

import (
	"time"

	"github.com/google/uuid"

	"lexiquest-sync/domain"
)

// NewXPDelta mints an XP gain (or loss) event for the subject.
func NewXPDelta(subjectID string, delta int64) domain.Event {
	return domain.Event{
		ID:              uuid.NewString(),
		Kind:            domain.KindXPDelta,
		SubjectID:       subjectID,
		Delta:           delta,
		ClientCreatedAt: time.Now().UnixMilli(),
	}
}

// NewQuestProgress mints a quest progress increment.
func NewQuestProgress(subjectID, questID string, progressDelta int64) domain.Event {
	return domain.Event{
		ID:              uuid.NewString(),
		Kind:            domain.KindQuestProgress,
		SubjectID:       subjectID,
		QuestID:         questID,
		ProgressDelta:   progressDelta,
		ClientCreatedAt: time.Now().UnixMilli(),
	}
}

// NewQuestComplete mints a quest completion carrying its XP reward.
func NewQuestComplete(subjectID, questID string, xpReward int64) domain.Event {
	return domain.Event{
		ID:              uuid.NewString(),
		Kind:            domain.KindQuestComplete,
		SubjectID:       subjectID,
		QuestID:         questID,
		XPReward:        xpReward,
		ClientCreatedAt: time.Now().UnixMilli(),
	}
}
