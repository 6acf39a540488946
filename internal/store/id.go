package store

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewSessionID returns a new, creation-time-sortable session
// identifier, prefixed so it reads unambiguously in logs and URLs.
func NewSessionID() string {
	idMu.Lock()
	defer idMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy)
	return "sess_" + strings.ToLower(id.String())
}
