// Package catalog serves the bot profiles, API keys, custom endpoints,
// tasks and server settings that live as files in the data directory.
// It is read-only; editing those files is done elsewhere.
package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	profilesDir   = "profiles"
	tasksDir      = "tasks"
	keysFile      = "keys.json"
	endpointsFile = "endpoints.json"
	settingsFile  = "settings.json"
)

type snapshot struct {
	profiles  map[string]*Profile
	tasks     map[string]string
	keys      map[string]string
	endpoints map[string]*Endpoint
	settings  Settings
}

// Catalog is a reloadable view of the data directory.
type Catalog struct {
	dir string
	log logrus.FieldLogger

	mu       sync.RWMutex
	snap     *snapshot
	onReload func()
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Catalog) { c.log = l }
}

// OnReload registers a callback run after every successful reload.
func OnReload(fn func()) Option {
	return func(c *Catalog) { c.onReload = fn }
}

// New creates an empty catalog over dir. Call Load to read it.
func New(dir string, opts ...Option) *Catalog {
	c := &Catalog{
		dir:  dir,
		log:  logrus.WithField("component", "catalog"),
		snap: &snapshot{settings: DefaultSettings()},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the data directory.
func (c *Catalog) Dir() string { return c.dir }

// Load reads the data directory and swaps in the new snapshot. Individual
// files that fail to parse are logged and skipped; missing files are
// treated as empty.
func (c *Catalog) Load() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	snap := &snapshot{
		profiles:  c.loadProfiles(),
		tasks:     c.loadTasks(),
		keys:      map[string]string{},
		endpoints: map[string]*Endpoint{},
		settings:  DefaultSettings(),
	}

	if err := readJSON(filepath.Join(c.dir, keysFile), &snap.keys); err != nil {
		c.log.WithError(err).Warn("skipping keys file")
	}
	var endpoints []Endpoint
	if err := readJSON(filepath.Join(c.dir, endpointsFile), &endpoints); err != nil {
		c.log.WithError(err).Warn("skipping endpoints file")
	}
	for i := range endpoints {
		ep := endpoints[i]
		if ep.ID == "" {
			continue
		}
		snap.endpoints[ep.ID] = &ep
	}
	if err := readJSON(filepath.Join(c.dir, settingsFile), &snap.settings); err != nil {
		c.log.WithError(err).Warn("skipping settings file")
		snap.settings = DefaultSettings()
	}

	c.mu.Lock()
	c.snap = snap
	cb := c.onReload
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"profiles":  len(snap.profiles),
		"tasks":     len(snap.tasks),
		"endpoints": len(snap.endpoints),
	}).Debug("catalog loaded")

	if cb != nil {
		cb()
	}
	return nil
}

func (c *Catalog) loadProfiles() map[string]*Profile {
	out := make(map[string]*Profile)
	entries, err := os.ReadDir(filepath.Join(c.dir, profilesDir))
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.WithError(err).Warn("read profiles dir")
		}
		return out
	}
	for _, e := range entries {
		if e.IsDir() || isHidden(e.Name()) {
			continue
		}
		path := filepath.Join(c.dir, profilesDir, e.Name())
		p, err := parseProfile(path)
		if err != nil {
			c.log.WithError(err).WithField("file", path).Warn("skipping profile")
			continue
		}
		if p == nil {
			continue
		}
		out[p.ID] = p
	}
	return out
}

// parseProfile reads a .json, .yaml or .yml profile. Other files yield nil.
func parseProfile(path string) (*Profile, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Profile
	raw := map[string]any{}
	if ext == ".json" {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "parse profile")
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, "parse profile")
		}
	} else {
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "parse profile")
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, "parse profile")
		}
	}

	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	p.Path = path
	p.Raw = raw
	return &p, nil
}

func (c *Catalog) loadTasks() map[string]string {
	out := make(map[string]string)
	entries, err := os.ReadDir(filepath.Join(c.dir, tasksDir))
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.WithError(err).Warn("read tasks dir")
		}
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || isHidden(name) || filepath.Ext(name) != ".json" {
			continue
		}
		out[strings.TrimSuffix(name, ".json")] = filepath.Join(c.dir, tasksDir, name)
	}
	return out
}

func (c *Catalog) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// BotProfile returns a copy of the profile with the given ID.
func (c *Catalog) BotProfile(id string) (*Profile, bool) {
	p, ok := c.current().profiles[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Profiles returns every loaded profile sorted by ID.
func (c *Catalog) Profiles() []Profile {
	snap := c.current()
	out := make([]Profile, 0, len(snap.profiles))
	for _, p := range snap.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// APIKey returns the stored key for a provider.
func (c *Catalog) APIKey(provider string) (string, bool) {
	k, ok := c.current().keys[strings.ToLower(provider)]
	if !ok || strings.TrimSpace(k) == "" {
		return "", false
	}
	return k, true
}

// AllAPIKeys returns a copy of every non-empty stored key.
func (c *Catalog) AllAPIKeys() map[string]string {
	out := make(map[string]string)
	for p, k := range c.current().keys {
		if strings.TrimSpace(k) != "" {
			out[strings.ToLower(p)] = k
		}
	}
	return out
}

// Endpoint returns a copy of a custom endpoint.
func (c *Catalog) Endpoint(id string) (*Endpoint, bool) {
	ep, ok := c.current().endpoints[id]
	if !ok {
		return nil, false
	}
	cp := *ep
	return &cp, true
}

// Settings returns the server settings.
func (c *Catalog) Settings() Settings {
	return c.current().settings
}

// TaskPath returns the file of a task definition.
func (c *Catalog) TaskPath(id string) (string, bool) {
	p, ok := c.current().tasks[id]
	return p, ok
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(data, v), "parse %s", filepath.Base(path))
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
