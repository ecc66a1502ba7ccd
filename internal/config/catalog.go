package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Model is one selectable model. APIBase overrides the provider endpoint.
type Model struct {
	ID      string `toml:"id"`
	APIBase string `toml:"api_base"`
}

// ModelSet is the list of models one endpoint accepts
type ModelSet struct {
	Default string  `toml:"default"`
	Models  []Model `toml:"models"`
}

// Catalog holds the model sets for retrieval and chat
type Catalog struct {
	RAG  ModelSet `toml:"rag"`
	Chat ModelSet `toml:"chat"`
}

// DefaultCatalog returns the built-in model catalog
func DefaultCatalog(ollamaHost string) Catalog {
	return Catalog{
		RAG: ModelSet{
			Default: "ollama/qwen2.5:latest",
			Models: []Model{
				{ID: "ollama/qwen2.5:latest", APIBase: ollamaHost},
				{ID: "anthropic/claude-haiku-4-5-20251001"},
				{ID: "anthropic/claude-sonnet-4-6"},
			},
		},
		Chat: ModelSet{
			Default: "ollama/llama3.2:latest",
			Models: []Model{
				{ID: "ollama/llama3.2:latest", APIBase: ollamaHost},
				{ID: "anthropic/claude-haiku-4-5-20251001"},
				{ID: "anthropic/claude-sonnet-4-6"},
			},
		},
	}
}

// LoadCatalog reads a TOML catalog. Sections missing from the file keep the
// built-in defaults. An empty path returns the defaults.
func LoadCatalog(path, ollamaHost string) (Catalog, error) {
	cat := DefaultCatalog(ollamaHost)
	if path == "" {
		return cat, nil
	}

	var file Catalog
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read model catalog: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Catalog{}, fmt.Errorf("unknown keys in model catalog: %v", undecoded)
	}

	if md.IsDefined("rag") {
		cat.RAG = file.RAG
	}
	if md.IsDefined("chat") {
		cat.Chat = file.Chat
	}
	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// Validate checks every model id and default
func (c Catalog) Validate() error {
	if err := c.RAG.validate("rag"); err != nil {
		return err
	}
	return c.Chat.validate("chat")
}

func (s ModelSet) validate(section string) error {
	if len(s.Models) == 0 {
		return fmt.Errorf("%s: no models configured", section)
	}
	for _, m := range s.Models {
		provider, _, ok := SplitModel(m.ID)
		if !ok {
			return fmt.Errorf("%s: model id %q must look like provider/name", section, m.ID)
		}
		switch provider {
		case ProviderOllama, ProviderAnthropic, ProviderGrok, ProviderOpenAI:
		default:
			return fmt.Errorf("%s: unknown provider %q in %q", section, provider, m.ID)
		}
	}
	if !s.Has(s.Default) {
		return fmt.Errorf("%s: default model %q is not in the model list", section, s.Default)
	}
	return nil
}

// IDs returns the model ids in catalog order
func (s ModelSet) IDs() []string {
	ids := make([]string, len(s.Models))
	for i, m := range s.Models {
		ids[i] = m.ID
	}
	return ids
}

// Has reports whether id is in the set
func (s ModelSet) Has(id string) bool {
	return slices.Contains(s.IDs(), id)
}

// Lookup returns the model entry for id
func (s ModelSet) Lookup(id string) (Model, bool) {
	for _, m := range s.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// SplitModel splits "provider/name" at the first slash
func SplitModel(id string) (provider, name string, ok bool) {
	provider, name, ok = strings.Cut(id, "/")
	if !ok || provider == "" || name == "" {
		return "", "", false
	}
	return provider, name, true
}

// UnknownModelError reports a model id that is not in the catalog
type UnknownModelError struct {
	Model     string
	Available []string
}

func (e *UnknownModelError) Error() string {
	quoted := make([]string, len(e.Available))
	for i, id := range e.Available {
		quoted[i] = "'" + id + "'"
	}
	return fmt.Sprintf("Unknown model '%s'. Available: [%s]", e.Model, strings.Join(quoted, ", "))
}
