package sandbox

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/malsmug/internal/sandbox/dom"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
)

// memoryStorage keeps both storage areas for one session.
type memoryStorage struct {
	mu    sync.Mutex
	areas map[StorageArea]*orderedMap
}

type orderedMap struct {
	keys   []string
	values map[string]string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{areas: make(map[StorageArea]*orderedMap)}
}

func (m *memoryStorage) area(a StorageArea) *orderedMap {
	om, ok := m.areas[a]
	if !ok {
		om = &orderedMap{values: make(map[string]string)}
		m.areas[a] = om
	}
	return om
}

func (m *memoryStorage) GetItem(a StorageArea, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.area(a).values[key]
	return v, ok
}

func (m *memoryStorage) SetItem(a StorageArea, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	om := m.area(a)
	if _, ok := om.values[key]; !ok {
		om.keys = append(om.keys, key)
	}
	om.values[key] = value
}

func (m *memoryStorage) RemoveItem(a StorageArea, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	om := m.area(a)
	if _, ok := om.values[key]; !ok {
		return
	}
	delete(om.values, key)
	for i, k := range om.keys {
		if k == key {
			om.keys = append(om.keys[:i], om.keys[i+1:]...)
			break
		}
	}
}

func (m *memoryStorage) Clear(a StorageArea) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.areas, a)
}

func (m *memoryStorage) Keys(a StorageArea) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.area(a).keys...)
}

// cookieJar is the session's document.cookie string. Writes accumulate and
// nothing is ever evicted.
type cookieJar struct {
	mu    sync.Mutex
	value string
}

func (j *cookieJar) Cookie() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.value
}

func (j *cookieJar) SetCookie(value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.value += value + "; "
}

// seed adds the name=value part of each Set-Cookie header.
func (j *cookieJar) seed(header http.Header) {
	for _, line := range header.Values("Set-Cookie") {
		pair, _, _ := strings.Cut(line, ";")
		if pair = strings.TrimSpace(pair); pair != "" {
			j.SetCookie(pair)
		}
	}
}

// timerSet arms real timers that run their callbacks on the event loop.
type timerSet struct {
	s *Session

	mu     sync.Mutex
	nextID int
	active map[int]*time.Timer
	closed bool
}

func newTimerSet(s *Session) *timerSet {
	return &timerSet{s: s, active: make(map[int]*time.Timer)}
}

func (ts *timerSet) SetTimeout(t *Timer) int {
	return ts.arm(t, false)
}

func (ts *timerSet) SetInterval(t *Timer) int {
	return ts.arm(t, true)
}

func (ts *timerSet) arm(t *Timer, repeat bool) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.nextID++
	id := ts.nextID
	if ts.closed {
		return id
	}

	delay := t.Delay
	if delay < 0 {
		delay = 0
	}
	// intervals are clamped like browsers do to avoid a busy loop
	if repeat && delay < 10*time.Millisecond {
		delay = 10 * time.Millisecond
	}

	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		ts.s.post(func() {
			if !ts.due(id, repeat) {
				return
			}
			if t.fire != nil {
				t.fire()
			}
			if repeat {
				ts.mu.Lock()
				if _, ok := ts.active[id]; ok && !ts.closed {
					tm.Reset(delay)
				}
				ts.mu.Unlock()
			}
		})
	})
	ts.active[id] = tm
	return id
}

// due reports whether the timer is still armed, disarming one-shots.
func (ts *timerSet) due(id int, repeat bool) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.active[id]; !ok {
		return false
	}
	if !repeat {
		delete(ts.active, id)
	}
	return true
}

func (ts *timerSet) Clear(id int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tm, ok := ts.active[id]; ok {
		tm.Stop()
		delete(ts.active, id)
	}
}

func (ts *timerSet) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true
	for id, tm := range ts.active {
		tm.Stop()
		delete(ts.active, id)
	}
}

// baseNetwork sends requests through the session's client.
type baseNetwork struct{ s *Session }

func (n baseNetwork) Fetch(req *netclient.Request, done func(*netclient.Response, error)) {
	n.s.request(req, done)
}

func (n baseNetwork) Open(xhr *XHR, method, url string) {
	xhr.Method = strings.ToUpper(method)
	xhr.URL = n.s.resolve(url)
	xhr.Header = http.Header{}
}

func (n baseNetwork) Send(xhr *XHR, body string) {
	req := &netclient.Request{
		Method: xhr.Method,
		URL:    xhr.URL,
		Header: xhr.Header.Clone(),
	}
	if body != "" {
		req.Body = []byte(body)
	}
	n.s.request(req, xhr.done)
}

// baseScripting appends written markup to the body.
type baseScripting struct{ s *Session }

func (baseScripting) Eval(string) {}

func (w baseScripting) Write(markup string) {
	doc := w.s.doc
	body := doc.Body()
	if body == nil {
		return
	}
	nodes, err := dom.ParseFragment(body, markup)
	if err != nil {
		w.s.log.Debug("document.write parse failed")
		return
	}
	for _, n := range nodes {
		_ = doc.AppendChild(body, n)
	}
}

// baseEvents records listeners for dispatch.
type baseEvents struct{ s *Session }

func (e baseEvents) AddEventListener(l *Listener) {
	e.s.addListener(l)
}

// baseNavigator loads the opened URL the way a new tab would.
type baseNavigator struct{ s *Session }

func (n baseNavigator) Open(url, _ string) {
	if url == "" || url == "about:blank" {
		return
	}
	n.s.request(&netclient.Request{Method: http.MethodGet, URL: url}, nil)
}

// noMutations ignores insertions.
type noMutations struct{}

func (noMutations) Observe([]Inserted) {}
