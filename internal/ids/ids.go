// Package ids generates identifiers for remote documents and upload paths.
package ids

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique identifiers.
type Generator interface {
	Generate() string
}

// UUIDv7 generates time-sortable UUIDv7 strings.
type UUIDv7 struct{}

// Generate returns a hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ULID generates lexicographically sortable ULIDs, used as document ids so
// a collection listing comes back in creation order.
type ULID struct{}

// Generate returns a 26-character ULID.
func (ULID) Generate() string {
	return ulid.Make().String()
}

// Short returns the first n hex digits of a fresh random UUID. Upload paths
// use it as a collision suffix.
func Short(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// Fixed returns predetermined ids in order, for tests.
type Fixed struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixed creates a Fixed generator.
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// Generate returns the next id. Panics when exhausted so a test that
// creates more documents than it expects fails loudly.
func (g *Fixed) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("ids.Fixed: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
