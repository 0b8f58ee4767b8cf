package bridge

import (
	"sync"

	"github.com/GriffinCanCode/malsmug/internal/shared/id"
)

// Names are the per-run global identifiers handed to the session.
type Names struct {
	// Bridge is the reporting callback.
	Bridge string
}

var issued sync.Map

// NewNames draws fresh identifiers. No identifier is handed out twice
// within a process.
func NewNames() Names {
	return Names{Bridge: fresh()}
}

func fresh() string {
	gen := id.Default()
	for {
		name := gen.ScriptIdentifier()
		if _, taken := issued.LoadOrStore(name, struct{}{}); !taken {
			return name
		}
	}
}
