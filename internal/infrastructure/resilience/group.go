package resilience

import "sync"

// Group hands out one breaker per key, typically a remote host, so one
// dead origin does not starve requests to the others.
type Group struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewGroup(settings Settings) *Group {
	return &Group{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = New(key, g.settings)
		g.breakers[key] = b
	}
	return b
}

// Open lists the keys whose breakers are currently open.
func (g *Group) Open() []string {
	g.mu.Lock()
	bs := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		bs = append(bs, b)
	}
	g.mu.Unlock()

	var open []string
	for _, b := range bs {
		if b.State() == StateOpen {
			open = append(open, b.Name())
		}
	}
	return open
}
