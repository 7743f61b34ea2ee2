// Package clock provides the monotonic time source and temporary-ID
// generator used throughout the sync kernel.
package clock

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix is the reserved prefix for client-assigned identifiers.
// Every reference in the system is a string, so a literal prefix makes
// isTemporary a local, lock-free check.
const TempIDPrefix = "local_"

// Clock abstracts wall-clock time so components can be driven by a fake
// clock in tests without touching the real one.
type Clock interface {
	NowMillis() int64
	Now() time.Time
}

// System is the production Clock backed by time.Now.
type System struct{}

// NewSystem returns the production wall-clock source.
func NewSystem() System { return System{} }

func (System) NowMillis() int64 { return time.Now().UnixMilli() }
func (System) Now() time.Time   { return time.Now() }

// NewTempID returns a fresh temporary identifier: the reserved prefix
// followed by a UUID.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id carries the reserved temporary
// prefix. The check is case-insensitive.
func IsTemporaryID(id string) bool {
	return len(id) >= len(TempIDPrefix) && strings.EqualFold(id[:len(TempIDPrefix)], TempIDPrefix)
}
