package remote

import (
	"context"
	"errors"
)

// Collections written by the engine.
const (
	CollectionJornadas       = "jornadas"
	CollectionRegistros      = "registros"
	CollectionNotifications  = "entradasNotificaciones"
	CollectionConnectionTest = "_connection_test"
	ConnectionTestDoc        = "status"
)

// ErrNotFound is returned by Content for a missing blob.
var ErrNotFound = errors.New("not found")

// Doc is a remote document body.
type Doc map[string]any

// Record is a document with its id.
type Record struct {
	ID  string
	Doc Doc
}

// SetOptions controls Documents.Set.
type SetOptions struct {
	// Merge overlays top-level fields onto an existing document instead of
	// replacing it.
	Merge bool
}

// Filter matches documents whose top-level fields equal the given values.
type Filter map[string]any

// Documents is the remote document store.
type Documents interface {
	Get(ctx context.Context, collection, id string) (Doc, bool, error)
	Set(ctx context.Context, collection, id string, doc Doc, opts SetOptions) error
	// Add stores doc under a generated id and returns it.
	Add(ctx context.Context, collection string, doc Doc) (string, error)
	// Query returns matching documents ordered by id.
	Query(ctx context.Context, collection string, filter Filter) ([]Record, error)
}

// Ref names an uploaded blob.
type Ref struct {
	Path string
}

// Content is the remote content store.
type Content interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (Ref, error)
	// Locator returns the durable, publicly resolvable locator of ref.
	Locator(ctx context.Context, ref Ref) (string, error)
	Delete(ctx context.Context, ref Ref) error
}

// NetState is a connectivity observation.
type NetState struct {
	Connected         bool
	InternetReachable bool
}

// Online reports whether the remote services can be attempted.
func (s NetState) Online() bool { return s.Connected && s.InternetReachable }

// Connectivity reports and streams NetState changes.
type Connectivity interface {
	Fetch(ctx context.Context) (NetState, error)
	// Subscribe returns a channel of state changes and a function that
	// ends the subscription.
	Subscribe() (<-chan NetState, func())
}
