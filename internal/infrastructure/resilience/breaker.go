package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a breaker.
type Settings struct {
	// Probes allowed through while half-open.
	Probes uint32
	// Window after which closed-state failure counts are forgotten.
	Window time.Duration
	// Cooldown spent open before probing again.
	Cooldown time.Duration
	// Trip decides whether the failures seen so far open the breaker.
	Trip func(failures, consecutive uint32) bool
	// OnStateChange observes every transition.
	OnStateChange func(name string, from, to State)
}

func (s Settings) withDefaults() Settings {
	if s.Probes == 0 {
		s.Probes = 1
	}
	if s.Window == 0 {
		s.Window = time.Minute
	}
	if s.Cooldown == 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Trip == nil {
		s.Trip = func(_, consecutive uint32) bool { return consecutive >= 5 }
	}
	return s
}

// Breaker stops calling a dependency that keeps failing.
type Breaker struct {
	name     string
	settings Settings

	mu          sync.Mutex
	state       State
	generation  uint64
	inflight    uint32
	failures    uint32
	consecutive uint32
	successes   uint32
	deadline    time.Time
	now         func() time.Time
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	b := &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		now:      time.Now,
	}
	b.deadline = b.now().Add(b.settings.Window)
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current position, applying any elapsed timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Do runs fn unless the breaker rejects it. A panic in fn counts as a
// failure and is re-raised.
func (b *Breaker) Do(fn func() error) (err error) {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	ok := false
	defer func() {
		b.record(gen, ok)
	}()

	err = fn()
	ok = err == nil
	return err
}

// Call is Do for functions that return a value.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := b.Do(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.now())
	switch {
	case b.state == StateOpen:
		return b.generation, ErrCircuitOpen
	case b.state == StateHalfOpen && b.inflight >= b.settings.Probes:
		return b.generation, ErrTooManyRequests
	}
	b.inflight++
	return b.generation, nil
}

func (b *Breaker) record(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)
	if gen != b.generation {
		return
	}

	if ok {
		b.consecutive = 0
		b.successes++
		if b.state == StateHalfOpen && b.successes >= b.settings.Probes {
			b.transition(StateClosed, now)
		}
		return
	}

	b.failures++
	b.consecutive++
	switch b.state {
	case StateClosed:
		if b.settings.Trip(b.failures, b.consecutive) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case StateClosed:
		if now.After(b.deadline) {
			b.reset()
			b.deadline = now.Add(b.settings.Window)
		}
	case StateOpen:
		if now.After(b.deadline) {
			b.transition(StateHalfOpen, now)
		}
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.reset()

	switch to {
	case StateClosed:
		b.deadline = now.Add(b.settings.Window)
	case StateOpen:
		b.deadline = now.Add(b.settings.Cooldown)
	case StateHalfOpen:
		b.deadline = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) reset() {
	b.generation++
	b.inflight = 0
	b.failures = 0
	b.consecutive = 0
	b.successes = 0
}
