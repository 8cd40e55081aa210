// Package prompt holds the registered agent prompts: built-in defaults plus
// store-backed overrides scoped globally or per project.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/planforge/planforge/store"
)

// Prompt types.
const (
	TypeSystem = "system"
	TypeUser   = "user"
)

// Definition describes one registered prompt.
type Definition struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Phase       int    `json:"phase"`
	Type        string `json:"type"`
	Default     string `json:"-"`
}

// ErrUnknownKey is returned for keys outside the registry.
var ErrUnknownKey = errors.New("unknown prompt key")

// List returns all definitions ordered by phase, system before user.
func List() []Definition {
	out := make([]Definition, 0, len(definitions))
	for _, def := range definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].Type == TypeSystem && out[j].Type == TypeUser
	})
	return out
}

// Get returns the definition for a key.
func Get(key string) (Definition, error) {
	def, ok := definitions[key]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return def, nil
}

// Registry resolves prompt text through the override chain.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// NewRegistry wires the registry to a store.
func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger}
}

// Resolve returns the effective prompt text for a key: active per-project
// override, then active global override, then the built-in default.
func (r *Registry) Resolve(ctx context.Context, key, projectID string) (string, error) {
	def, err := Get(key)
	if err != nil {
		return "", err
	}
	version, err := r.store.GetActivePrompt(ctx, key, projectID)
	if err == nil {
		return version.Text, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		// Override lookup failures fall back to the default rather than
		// failing the phase.
		r.logger.Warn("Prompt override lookup failed, using default", "key", key, "error", err)
	}
	return def.Default, nil
}

// Save persists a new version for the scope and makes it active.
func (r *Registry) Save(ctx context.Context, key, projectID, label, text string) (*store.PromptVersion, error) {
	if _, err := Get(key); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("prompt text must not be empty")
	}
	return r.store.SavePromptVersion(ctx, &store.PromptVersion{
		Key:       key,
		ProjectID: projectID,
		Label:     label,
		Text:      text,
	})
}

// Reset deactivates every override in the scope, restoring the default.
func (r *Registry) Reset(ctx context.Context, key, projectID string) error {
	if _, err := Get(key); err != nil {
		return err
	}
	return r.store.ResetPrompt(ctx, key, projectID)
}

// Activate makes a stored version the active one in its scope.
func (r *Registry) Activate(ctx context.Context, versionID string) error {
	return r.store.ActivatePromptVersion(ctx, versionID)
}

// History lists stored versions for the scope, newest first.
func (r *Registry) History(ctx context.Context, key, projectID string) ([]*store.PromptVersion, error) {
	if _, err := Get(key); err != nil {
		return nil, err
	}
	return r.store.ListPromptVersions(ctx, key, projectID)
}
