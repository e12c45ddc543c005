package api

import (
	"context"

	"lexiquest-sync/domain"
)

// Storage is the durable-store surface the handlers need. The concrete
// implementation lives in the storage package.
type Storage interface {
	domain.Store
}

// Authenticator is implemented by types able to resolve a credential header
// to a subject identity.
type Authenticator interface {
	SubjectFromAuthHeader(string) (string, error)
}

// Archiver records applied events for out-of-scope downstream consumers.
// Recording is best-effort; failures never affect the sync response.
type Archiver interface {
	Record(ctx context.Context, subjectID string, ev domain.Event) error
}
