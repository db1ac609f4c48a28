package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
var m sync.Mutex

func NewULID() string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// StableID derives a deterministic identifier from the supplied parts, so that the same unit definition
// always maps to the same id across processes and restarts.
func StableID(parts ...string) string {
	id := uuid.NewMD5(uuid.NameSpaceOID, []byte(strings.Join(parts, "\x00")))
	return strings.ReplaceAll(id.String(), "-", "")
}
