package supervisor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"mindcraft-hub/internal/catalog"
)

// providerEnv maps a model provider to the environment variable the bot
// reads its key from. Providers absent from the table need no key.
var providerEnv = map[string]string{
	"openai":      "OPENAI_API_KEY",
	"anthropic":   "ANTHROPIC_API_KEY",
	"google":      "GEMINI_API_KEY",
	"xai":         "XAI_API_KEY",
	"deepseek":    "DEEPSEEK_API_KEY",
	"mistral":     "MISTRAL_API_KEY",
	"groq":        "GROQCLOUD_API_KEY",
	"openrouter":  "OPENROUTER_API_KEY",
	"replicate":   "REPLICATE_API_KEY",
	"huggingface": "HUGGINGFACE_API_KEY",
	"qwen":        "QWEN_API_KEY",
	"novita":      "NOVITA_API_KEY",
}

var keylessProviders = map[string]bool{
	"ollama": true,
}

// modelPrefixes infers a provider from a bare model name. Checked in order.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"openrouter/", "openrouter"},
	{"groq/", "groq"},
	{"replicate/", "replicate"},
	{"huggingface/", "huggingface"},
	{"novita/", "novita"},
	{"ollama/", "ollama"},
	{"gpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"text-embedding", "openai"},
	{"claude", "anthropic"},
	{"gemini", "google"},
	{"grok", "xai"},
	{"deepseek", "deepseek"},
	{"mistral", "mistral"},
	{"mixtral", "mistral"},
	{"codestral", "mistral"},
	{"qwen", "qwen"},
	{"llama", "ollama"},
}

// Prerequisites is the outcome of ValidatePrerequisites.
type Prerequisites struct {
	Valid       bool     `json:"valid"`
	MissingKeys []string `json:"missingKeys"`
	Error       string   `json:"error,omitempty"`
}

// requirement is a resolved model reference.
type requirement struct {
	provider string
	endpoint *catalog.Endpoint
}

// resolveProvider works out which provider serves ref.
func resolveProvider(cat Catalog, ref catalog.ModelRef) (requirement, error) {
	if ref.Endpoint != "" {
		ep, ok := cat.Endpoint(ref.Endpoint)
		if !ok {
			return requirement{}, errors.Errorf("unknown endpoint %q", ref.Endpoint)
		}
		return requirement{provider: strings.ToLower(ep.Provider), endpoint: ep}, nil
	}
	if ref.API != "" {
		return requirement{provider: strings.ToLower(ref.API)}, nil
	}

	name := strings.ToLower(strings.TrimSpace(ref.Model))
	if name == "" {
		return requirement{}, errors.Errorf("model is not configured")
	}
	if _, ok := providerEnv[name]; ok || keylessProviders[name] {
		return requirement{provider: name}, nil
	}
	for _, p := range modelPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return requirement{provider: p.provider}, nil
		}
	}
	return requirement{}, errors.Errorf("cannot determine provider for model %q", ref.Model)
}

// needsKey reports whether r requires an API key.
func (r requirement) needsKey() bool {
	if r.endpoint != nil {
		return r.endpoint.RequiresKey && r.endpoint.APIKey == ""
	}
	if keylessProviders[r.provider] {
		return false
	}
	_, ok := providerEnv[r.provider]
	return ok
}

// ValidatePrerequisites checks that every provider used by the bot's
// profile has a key available. All missing keys are reported together.
func (s *Supervisor) ValidatePrerequisites(botID string) Prerequisites {
	profile, ok := s.cat.BotProfile(botID)
	if !ok {
		return Prerequisites{MissingKeys: []string{}, Error: fmt.Sprintf("bot %q not found", botID)}
	}
	p, _ := s.validate(profile)
	return p
}

func (s *Supervisor) validate(profile *catalog.Profile) (Prerequisites, []requirement) {
	var (
		reqs     []requirement
		problems []string
		missing  = map[string]bool{}
	)
	for _, ref := range profile.Models() {
		r, err := resolveProvider(s.cat, ref)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		reqs = append(reqs, r)
		if r.needsKey() && !s.hasKey(r.provider) {
			missing[r.provider] = true
		}
	}

	keys := make([]string, 0, len(missing))
	for k := range missing {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := Prerequisites{
		Valid:       len(keys) == 0 && len(problems) == 0,
		MissingKeys: keys,
	}
	if len(problems) > 0 {
		p.Error = strings.Join(problems, "; ")
	} else if len(keys) > 0 {
		p.Error = "missing API keys: " + strings.Join(keys, ", ")
	}
	return p, reqs
}

// hasKey looks in the key store first and then in the hub's environment.
func (s *Supervisor) hasKey(provider string) bool {
	if _, ok := s.cat.APIKey(provider); ok {
		return true
	}
	env, ok := providerEnv[provider]
	if !ok {
		return false
	}
	return lookupEnv(s.environ, env) != ""
}

func lookupEnv(environ []string, key string) string {
	prefix := key + "="
	for i := len(environ) - 1; i >= 0; i-- {
		if strings.HasPrefix(environ[i], prefix) {
			return environ[i][len(prefix):]
		}
	}
	return ""
}
