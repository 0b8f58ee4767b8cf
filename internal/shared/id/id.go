// Package id provides ID generation for the sandbox.
//
// All identifiers are ULIDs drawn from crypto/rand:
//   - Run IDs correlate the log lines of one analysis
//   - Analysis IDs are generated for queue submissions that carry none
//   - Script identifiers name objects exposed inside a session (the
//     reporting bridge, the eval tap); they use only the random part
//     of the ULID so nothing about them is derivable from the clock
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

// RunID identifies one analysis run inside this process
type RunID string

// AnalysisID is the caller-supplied correlation key of a run
type AnalysisID string

const (
	RunPrefix      = "run"
	AnalysisPrefix = "ana"
)

// ulid layout: 10 chars of timestamp followed by 16 chars of entropy
const entropyOffset = 10

// Generator generates ULIDs from a shared entropy source
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Only tests should use this.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ScriptIdentifier returns a valid JavaScript identifier built from the
// entropy half of a fresh ULID.
func (g *Generator) ScriptIdentifier() string {
	return "_" + strings.ToLower(g.GenerateString()[entropyOffset:])
}

// NewRunID generates a new run ID
func NewRunID() RunID {
	return RunID(Default().GenerateWithPrefix(RunPrefix))
}

// NewAnalysisID generates an analysis ID for submissions without one
func NewAnalysisID() AnalysisID {
	return AnalysisID(Default().GenerateWithPrefix(AnalysisPrefix))
}

func (id RunID) String() string      { return string(id) }
func (id AnalysisID) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}
