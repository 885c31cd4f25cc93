package catalog

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ModelRef names a model and, optionally, how to reach it. In profile files
// it is either a bare model name ("gpt-4o") or an object.
type ModelRef struct {
	API      string `json:"api,omitempty" yaml:"api,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// IsZero reports whether the reference names nothing.
func (m ModelRef) IsZero() bool {
	return m.API == "" && m.Model == "" && m.URL == "" && m.Endpoint == ""
}

type modelRefFields ModelRef

func (m *ModelRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = ModelRef{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*m = ModelRef{Model: strings.TrimSpace(name)}
		return nil
	}
	var f modelRefFields
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "model reference")
	}
	*m = ModelRef(f)
	return nil
}

func (m *ModelRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*m = ModelRef{Model: strings.TrimSpace(node.Value)}
		return nil
	}
	var f modelRefFields
	if err := node.Decode(&f); err != nil {
		return errors.Wrap(err, "model reference")
	}
	*m = ModelRef(f)
	return nil
}

// Profile is a bot definition. Raw keeps the full document so it can be
// handed to the bot process unchanged.
type Profile struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Model       ModelRef  `json:"model" yaml:"model"`
	CodeModel   *ModelRef `json:"code_model,omitempty" yaml:"code_model,omitempty"`
	VisionModel *ModelRef `json:"vision_model,omitempty" yaml:"vision_model,omitempty"`
	Embedding   *ModelRef `json:"embedding,omitempty" yaml:"embedding,omitempty"`

	Path string         `json:"-" yaml:"-"`
	Raw  map[string]any `json:"-" yaml:"-"`
}

// Models returns every model reference configured on the profile.
func (p *Profile) Models() []ModelRef {
	refs := []ModelRef{p.Model}
	for _, r := range []*ModelRef{p.CodeModel, p.VisionModel, p.Embedding} {
		if r != nil && !r.IsZero() {
			refs = append(refs, *r)
		}
	}
	return refs
}

// Endpoint is a user-defined, OpenAI-compatible model endpoint.
type Endpoint struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	BaseURL     string `json:"baseUrl"`
	APIKey      string `json:"apiKey,omitempty"`
	RequiresKey bool   `json:"requiresKey"`
}

// Settings holds the Minecraft server the bots connect to.
type Settings struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Auth                string `json:"auth"`
	Version             string `json:"version"`
	AllowInsecureCoding bool   `json:"allowInsecureCoding"`
}

// DefaultSettings are used for any field settings.json leaves out.
func DefaultSettings() Settings {
	return Settings{
		Host:    "localhost",
		Port:    25565,
		Auth:    "offline",
		Version: "auto",
	}
}
