package sink

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newSession returns the identifier of one recording session. ULIDs sort by
// creation time, so sessions in one database list chronologically.
func newSession(now time.Time) (ulid.ULID, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.New(ulid.Timestamp(now), entropy)
}
