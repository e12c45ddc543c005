package client

import (
	"testing"

	"lexiquest-sync/domain"
)

func TestEventConstructorsProduceValidEvents(t *testing.T) {
	events := []domain.Event{
		NewXPDelta("sub", 10),
		NewXPDelta("sub", -4),
		NewQuestProgress("sub", "daily_5", 1),
		NewQuestComplete("sub", "daily_5", 20),
		NewQuestComplete("sub", "daily_5", 0),
	}
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			t.Fatalf("constructed event %s invalid: %v", ev.Kind, err)
		}
		if ev.ClientCreatedAt == 0 {
			t.Fatalf("event %s missing creation timestamp", ev.ID)
		}
		if _, dup := seen[ev.ID]; dup {
			t.Fatalf("duplicate minted id %s", ev.ID)
		}
		seen[ev.ID] = struct{}{}
	}
}
