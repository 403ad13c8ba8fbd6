// Package id generates the identifiers that tag engine activity in logs.
//
// IDs are prefixed ULIDs, so they stay sortable by creation time and make a
// log line readable at a glance:
//   - xfer_<ulid>: one logical request, shared by every retry attempt
//   - eng_<ulid>:  one engine instance (the private PAC engine has its own)
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TransferID identifies one logical request across its retry chain
type TransferID string

// EngineID identifies one engine instance
type EngineID string

const (
	TransferPrefix = "xfer"
	EnginePrefix   = "eng"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewTransferID generates a new transfer ID
func NewTransferID() TransferID {
	return TransferID(Default().GenerateWithPrefix(TransferPrefix))
}

// NewEngineID generates a new engine ID
func NewEngineID() EngineID {
	return EngineID(Default().GenerateWithPrefix(EnginePrefix))
}

func (id TransferID) String() string { return string(id) }
func (id EngineID) String() string   { return string(id) }

// Timestamp extracts the creation time from a prefixed or bare ID
func Timestamp(s string) (time.Time, error) {
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	parsed, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
