package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/prompt"
)

// adminAuth holds the configured credentials and the tokens issued against
// them. Tokens are opaque and live for the process lifetime only.
type adminAuth struct {
	id       string
	password string

	mu     sync.Mutex
	tokens map[string]struct{}
}

func newAdminAuth(id, password string) *adminAuth {
	return &adminAuth{id: id, password: password, tokens: make(map[string]struct{})}
}

func (a *adminAuth) enabled() bool { return a.id != "" && a.password != "" }

// login verifies the credentials and issues a token.
func (a *adminAuth) login(id, password string) (string, error) {
	if !a.enabled() {
		return "", apperr.New(apperr.KindUnauthorized, "admin access is not configured")
	}
	idOK := subtle.ConstantTimeCompare([]byte(id), []byte(a.id)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !idOK || !passOK {
		return "", apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}

	token := uuid.NewString()
	a.mu.Lock()
	a.tokens[token] = struct{}{}
	a.mu.Unlock()
	return token, nil
}

func (a *adminAuth) valid(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tokens[token]
	return ok
}

type adminAuthRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

func (s *Server) handleAdminAuth(w http.ResponseWriter, r *http.Request) {
	var req adminAuthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := s.auth.login(req.ID, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Admin token issued")
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

// requireAdmin guards the admin routes with the bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !s.auth.valid(token) {
			writeError(w, apperr.New(apperr.KindUnauthorized, "a valid admin token is required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ----------------------------------------------------------------------------
// Prompt management
// ----------------------------------------------------------------------------

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	defs := prompt.List()
	items := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		text, err := s.prompts.Resolve(r.Context(), def.Key, r.URL.Query().Get("project_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		items = append(items, map[string]any{
			"key":         def.Key,
			"name":        def.Name,
			"description": def.Description,
			"phase":       def.Phase,
			"type":        def.Type,
			"text":        text,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": items})
}

type savePromptRequest struct {
	ProjectID string `json:"project_id"`
	Label     string `json:"label"`
	Text      string `json:"text"`
}

func (s *Server) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	var req savePromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	version, err := s.prompts.Save(r.Context(), chi.URLParam(r, "key"), req.ProjectID, req.Label, req.Text)
	if err != nil {
		writeError(w, promptError(err))
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleResetPrompt(w http.ResponseWriter, r *http.Request) {
	// The body is optional: global resets send none.
	var req savePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Debug("Prompt reset without body", "error", err)
	}
	if err := s.prompts.Reset(r.Context(), chi.URLParam(r, "key"), req.ProjectID); err != nil {
		writeError(w, promptError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type activatePromptRequest struct {
	VersionID string `json:"version_id"`
}

func (s *Server) handleActivatePrompt(w http.ResponseWriter, r *http.Request) {
	var req activatePromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.VersionID == "" {
		writeError(w, apperr.New(apperr.KindValidation, "version_id is required"))
		return
	}
	if err := s.prompts.Activate(r.Context(), req.VersionID); err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, "prompt version not found", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (s *Server) handlePromptHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.prompts.History(r.Context(), chi.URLParam(r, "key"), r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, promptError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// promptError classifies registry failures for the wire.
func promptError(err error) error {
	if errors.Is(err, prompt.ErrUnknownKey) {
		return apperr.Wrap(apperr.KindNotFound, "unknown prompt key", err)
	}
	return apperr.Wrap(apperr.KindValidation, "invalid prompt request", err)
}
