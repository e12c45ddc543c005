// Package archive keeps an append-only record of applied events in Azure
// Table Storage and publishes them to a queue for downstream consumers
// (badge engines, leaderboards). Both writes are best-effort from the
// ingestion endpoint's point of view: the aggregates and the ledger are the
// source of truth, the archive is for audit and fan-out.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"lexiquest-sync/domain"
)

// Archive wraps the Azure clients used for the applied-event log.
type Archive struct {
	events *aztables.Client
	queue  *azqueue.QueueClient
}

// New creates an Archive from the given connection string.
func New(connStr, eventsTable, publishQueue string) (*Archive, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, publishQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Archive{events: svc.NewClient(eventsTable), queue: q}, nil
}

type eventEntity struct {
	aztables.Entity
	Kind      string `json:"Kind"`
	Payload   string `json:"Payload"`
	AppliedAt string `json:"AppliedAt"`
}

type eventEnvelope struct {
	SubjectID string       `json:"subjectId"`
	Event     domain.Event `json:"event"`
	AppliedAt string       `json:"appliedAt"`
}

// Record logs one applied event (PartitionKey=subject, RowKey=event id) and
// publishes it downstream. A table conflict means a concurrent request
// archived the same id already and is not an error.
func (a *Archive) Record(ctx context.Context, subjectID string, ev domain.Event) error {
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ent := eventEntity{
		Entity:    aztables.Entity{PartitionKey: subjectID, RowKey: ev.ID},
		Kind:      string(ev.Kind),
		Payload:   string(raw),
		AppliedAt: appliedAt,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := a.events.AddEntity(ctx, payload, nil); err != nil {
		var respErr *azcore.ResponseError
		if !errors.As(err, &respErr) || respErr.StatusCode != 409 {
			return err
		}
	}

	env, err := json.Marshal(eventEnvelope{SubjectID: subjectID, Event: ev, AppliedAt: appliedAt})
	if err != nil {
		return err
	}
	_, err = a.queue.EnqueueMessage(ctx, string(env), nil)
	return err
}
