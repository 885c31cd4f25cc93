package supervisor

import (
	"sync"

	"mindcraft-hub/internal/botlog"
	"mindcraft-hub/internal/catalog"
	"mindcraft-hub/internal/proctree"
)

type fakeCatalog struct {
	profiles  map[string]*catalog.Profile
	keys      map[string]string
	endpoints map[string]*catalog.Endpoint
	tasks     map[string]string
	settings  catalog.Settings
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		profiles:  map[string]*catalog.Profile{},
		keys:      map[string]string{},
		endpoints: map[string]*catalog.Endpoint{},
		tasks:     map[string]string{},
		settings:  catalog.DefaultSettings(),
	}
}

func (c *fakeCatalog) addBot(id, name, model string) {
	c.profiles[id] = &catalog.Profile{
		ID:    id,
		Name:  name,
		Model: catalog.ModelRef{Model: model},
		Path:  "/profiles/" + id + ".json",
	}
}

func (c *fakeCatalog) BotProfile(id string) (*catalog.Profile, bool) {
	p, ok := c.profiles[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (c *fakeCatalog) APIKey(provider string) (string, bool) {
	k, ok := c.keys[provider]
	return k, ok && k != ""
}

func (c *fakeCatalog) AllAPIKeys() map[string]string {
	out := make(map[string]string, len(c.keys))
	for k, v := range c.keys {
		out[k] = v
	}
	return out
}

func (c *fakeCatalog) Endpoint(id string) (*catalog.Endpoint, bool) {
	ep, ok := c.endpoints[id]
	return ep, ok
}

func (c *fakeCatalog) Settings() catalog.Settings { return c.settings }

func (c *fakeCatalog) TaskPath(id string) (string, bool) {
	p, ok := c.tasks[id]
	return p, ok
}

type sinkSession struct {
	botID   string
	name    string
	entries []botlog.Entry
	ended   bool
}

type fakeSink struct {
	mu       sync.Mutex
	sessions []*sinkSession
	active   map[string]*sinkSession

	// onStart, when set, runs before a session is opened.
	onStart func(botID string)
}

func newFakeSink() *fakeSink {
	return &fakeSink{active: map[string]*sinkSession{}}
}

func (f *fakeSink) StartSession(botID, botName string) (string, error) {
	if f.onStart != nil {
		f.onStart(botID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.active[botID]; ok {
		cur.ended = true
	}
	s := &sinkSession{botID: botID, name: botName}
	f.sessions = append(f.sessions, s)
	f.active[botID] = s
	return botID, nil
}

func (f *fakeSink) EndSession(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.active[botID]; ok {
		cur.ended = true
		delete(f.active, botID)
	}
}

func (f *fakeSink) WriteEntry(botID string, e botlog.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.active[botID]; ok {
		cur.entries = append(cur.entries, e)
	}
}

func (f *fakeSink) sessionCount(botID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.botID == botID {
			n++
		}
	}
	return n
}

func (f *fakeSink) lastSession(botID string) (sinkSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sessions) - 1; i >= 0; i-- {
		if s := f.sessions[i]; s.botID == botID {
			cp := *s
			cp.entries = append([]botlog.Entry(nil), s.entries...)
			return cp, true
		}
	}
	return sinkSession{}, false
}

// recordingTerminator records signals and optionally ignores them.
type recordingTerminator struct {
	mu      sync.Mutex
	signals []proctree.Signal
	ignore  bool
}

func (r *recordingTerminator) Terminate(pid int, sig proctree.Signal) error {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	ignore := r.ignore
	r.mu.Unlock()
	if ignore {
		return nil
	}
	return proctree.OS{}.Terminate(pid, sig)
}

func (r *recordingTerminator) Alive(pid int) bool { return proctree.OS{}.Alive(pid) }

func (r *recordingTerminator) sent() []proctree.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proctree.Signal(nil), r.signals...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) statuses(botID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		if e.Kind == EventStatus && e.BotID == botID {
			out = append(out, e.Status.Status)
		}
	}
	return out
}

func (r *recorder) kinds(botID string, kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind && e.BotID == botID {
			out = append(out, e)
		}
	}
	return out
}
