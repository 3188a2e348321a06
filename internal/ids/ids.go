// Package ids generates the opaque, lexicographically-sortable ids used
// throughout the data model (items, entities, relations, episodes,
// foreshadowing) plus the non-sortable request ids used at the HTTP/MCP
// boundary.
package ids

import (
	cryptorand "crypto/rand"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(cryptoReader{}, 0)
)

// cryptoReader adapts crypto/rand.Reader to io.Reader for ulid.Monotonic,
// which needs a source that is safe under concurrent Read (we still guard
// it with entropyMu since ulid.MonotonicReader itself is not goroutine
// safe across successive ULID generations).
type cryptoReader struct{}

func (cryptoReader) Read(p []byte) (int, error) { return cryptorand.Read(p) }

// New returns a new monotonically-increasing ULID string, suitable as an
// Item/Entity/Relation/Episode/Foreshadowing id: sortable lexicographically
// by creation time within a scope, as required by the data model.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAt generates an id stamped with a caller-supplied time, used by
// replay/import paths that must preserve original ordering.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// RequestID returns an opaque UUID for request/trace correlation at the
// HTTP/MCP boundary; unlike item ids these are not meant to be sorted.
func RequestID() string {
	return uuid.NewString()
}

// shortSuffix is used by a couple of call sites (discovery candidate keys)
// that want a short, non-cryptographic distinguishing suffix rather than a
// full id; kept separate so it never leaks into anything persisted as an
// item/entity id.
func shortSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	for i := range b {
		b[i] = letters[mathrand.Intn(len(letters))]
	}
	return string(b)
}

// ShortSuffix exposes shortSuffix for call sites outside this file that
// need a short non-cryptographic disambiguator (e.g. discovery candidate
// keys); never used for persisted item/entity/relation ids.
func ShortSuffix() string { return shortSuffix() }
