package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/logging"
)

var ErrMalformedReport = errors.New("malformed ioc report")

// Collector accumulates one run's IoCs in arrival order. Report is safe for
// concurrent use and never fails toward the caller.
type Collector struct {
	mu     sync.Mutex
	iocs   []ioc.IoC
	delays *DelayTracker
	log    *logging.Logger
}

// NewCollector creates an empty collector whose SetTimeout delays feed
// delays. A nil tracker is replaced by one without a ceiling.
func NewCollector(delays *DelayTracker, log *logging.Logger) *Collector {
	if delays == nil {
		delays = NewDelayTracker(0)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Collector{delays: delays, log: log}
}

// Report appends one IoC. A zero timestamp is set to now.
func (c *Collector) Report(i ioc.IoC) {
	if i.Payload == nil {
		c.log.Debug("dropping empty ioc report")
		return
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now()
	}
	if st, ok := i.Payload.(ioc.SetTimeout); ok {
		c.delays.ObserveMillis(st.Delay)
	}

	c.mu.Lock()
	c.iocs = append(c.iocs, i)
	c.mu.Unlock()
}

// Handler adapts Report to a session callback. It accepts an ioc.IoC, a
// bare ioc.Payload, or a script object shaped {type, value}.
func (c *Collector) Handler() func(arg any) {
	return func(arg any) {
		i, err := toIoC(arg)
		if err != nil {
			c.log.Debug("dropping ioc report", zap.Error(err))
			return
		}
		c.Report(i)
	}
}

func toIoC(arg any) (ioc.IoC, error) {
	switch v := arg.(type) {
	case ioc.IoC:
		return v, nil
	case ioc.Payload:
		return ioc.New(v), nil
	case map[string]any:
		kind, _ := v["type"].(string)
		raw, err := sonic.Marshal(v["value"])
		if err != nil {
			return ioc.IoC{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		p, err := ioc.DecodePayload(ioc.Kind(kind), raw)
		if err != nil {
			return ioc.IoC{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		return ioc.New(p), nil
	default:
		return ioc.IoC{}, fmt.Errorf("%w: unsupported value %T", ErrMalformedReport, arg)
	}
}

// Snapshot returns a copy of the IoCs collected so far.
func (c *Collector) Snapshot() []ioc.IoC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ioc.IoC(nil), c.iocs...)
}

// Len returns how many IoCs have been collected.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.iocs)
}

// Delays returns the tracker fed by SetTimeout reports.
func (c *Collector) Delays() *DelayTracker {
	return c.delays
}
