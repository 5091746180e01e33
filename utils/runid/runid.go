// Package runid generates the random directory-name suffixes used
// throughout the run/flow/codex-exec/errors directory tree
// ("run_<rand>", "flow_<rand>", "codex_exec_<rand>"). ULIDs are used
// instead of plain random hex so that a directory listing sorts in
// creation order.
package runid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a new ULID (uppercase Crockford base32) suitable for a
// directory suffix.
// ulid.Monotonic's entropy source is not safe for concurrent use, so
// generation is serialized behind a mutex; this is called once per
// flow/run/exec directory, never in a hot loop.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Prefixed returns prefix + "_" + a new ULID, e.g. "run_01HXYZ...".
func Prefixed(prefix string) string {
	return prefix + "_" + New()
}
