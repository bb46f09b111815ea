package ir

import (
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces operation and entity ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, to catch a test that creates more
// operations than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// derivedNamespace scopes ids derived from other ids.
var derivedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://tillsync.dev/ids/derived"))

// DeriveID returns a stable id for a follow-up of parentID. The same
// parent and tag always give the same id, so re-running a resolution after
// a crash re-appends the same operation and the log ignores the duplicate.
func DeriveID(parentID, tag string) string {
	return uuid.NewSHA1(derivedNamespace, []byte(parentID+":"+tag)).String()
}
