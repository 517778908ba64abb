package run

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewEventID returns a ULID used as the client-facing correlation id for a
// run. ULIDs sort by creation time, which keeps history listings cheap.
func NewEventID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
