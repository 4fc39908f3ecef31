package ids

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// DeriveCorrelationID returns the correlation id for a request. The ULID
// timestamp is the server-local receipt time and the entropy is derived from
// the client-supplied request id, so the same (request id, receipt time) pair
// always yields the same correlation id. Requests without an id (pure
// notifications) get a fresh random ULID instead.
func DeriveCorrelationID(requestID string, receivedAt time.Time) string {
	if requestID == "" {
		return CreateULID()
	}
	digest := sha256.Sum256([]byte(requestID))
	id := ulid.MustNew(ulid.Timestamp(receivedAt), bytes.NewReader(digest[:]))
	return id.String()
}
