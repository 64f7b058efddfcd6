package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/admission"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/credpool"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/retry"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/storage"
)

const maxAdminBodySize = 1 << 20 // 1MB

type AdminDeps struct {
	Store  *storage.Store
	Pool   *credpool.Pool
	Queue  *admission.Queue
	Token  string
	Logger *zap.Logger
}

// NewAdminHandler returns the administration API. All routes require the
// admin bearer token.
func NewAdminHandler(deps AdminDeps) http.Handler {
	deps.Logger = logging.OrNop(deps.Logger).With(logging.Component("admin"))

	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/credentials", handleListCredentials(deps))
	r.Post("/credentials", handleCreateCredential(deps))
	r.Get("/credentials/status", handleCredentialStatus(deps))
	r.Post("/credentials/reset-rotation", handleResetRotation(deps))
	r.Get("/credentials/{id}", handleGetCredential(deps))
	r.Patch("/credentials/{id}", handleUpdateCredential(deps))
	r.Put("/credentials/{id}", handleUpdateCredential(deps))
	r.Delete("/credentials/{id}", handleDeleteCredential(deps))

	r.Get("/tokens", handleListTokens(deps))
	r.Post("/tokens", handleCreateToken(deps))
	r.Get("/tokens/{id}", handleGetToken(deps))
	r.Patch("/tokens/{id}", handleUpdateToken(deps))
	r.Put("/tokens/{id}", handleUpdateToken(deps))
	r.Delete("/tokens/{id}", handleDeleteToken(deps))

	r.Get("/error-rules", handleListRules(deps))
	r.Post("/error-rules", handleCreateRule(deps))
	r.Get("/error-rules/{id}", handleGetRule(deps))
	r.Patch("/error-rules/{id}", handleUpdateRule(deps))
	r.Put("/error-rules/{id}", handleUpdateRule(deps))
	r.Delete("/error-rules/{id}", handleDeleteRule(deps))

	r.Get("/queue/status", handleQueueStatus(deps))

	return r
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// writeStoreError maps storage sentinels to HTTP errors.
func writeStoreError(w http.ResponseWriter, err error, what, op string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, storage.ErrDuplicate):
		httpError(w, http.StatusConflict, "conflict", "%s already exists", what)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to %s %s: %v", op, what, err)
	}
}

// maskedCredentials hides credential values in list responses.
func maskedCredentials(creds []storage.Credential) []storage.Credential {
	out := make([]storage.Credential, len(creds))
	for i, c := range creds {
		c.Value = logging.Mask(c.Value)
		out[i] = c
	}
	return out
}

func handleListCredentials(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := deps.Store.ListCredentials()
		if err != nil {
			writeStoreError(w, err, "credentials", "list")
			return
		}
		writeJSON(w, http.StatusOK, maskedCredentials(creds))
	}
}

type createCredentialRequest struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
	Active      *bool  `json:"active"`
}

func handleCreateCredential(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCredentialRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Value) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "value is required")
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}

		c, err := deps.Store.CreateCredential(storage.Credential{
			Name:        req.Name,
			Value:       req.Value,
			Description: req.Description,
			Active:      active,
		})
		if err != nil {
			writeStoreError(w, err, "credential", "create")
			return
		}
		deps.Logger.Info("credential created", logging.CredentialID(c.ID))
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleGetCredential(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetCredential(chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, err, "credential", "get")
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleUpdateCredential(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u storage.CredentialUpdate
		if !decodeBody(w, r, &u) {
			return
		}
		c, err := deps.Store.UpdateCredential(chi.URLParam(r, "id"), u)
		if err != nil {
			writeStoreError(w, err, "credential", "update")
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleDeleteCredential(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.DeleteCredential(id); err != nil {
			writeStoreError(w, err, "credential", "delete")
			return
		}
		deps.Logger.Info("credential deleted", logging.CredentialID(id))
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type credentialStatus struct {
	Total      int             `json:"total"`
	Active     int             `json:"active"`
	InRotation int             `json:"in_rotation"`
	Rotation   credpool.Status `json:"rotation"`
}

func handleCredentialStatus(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := deps.Store.ListCredentials()
		if err != nil {
			writeStoreError(w, err, "credentials", "list")
			return
		}
		active := 0
		for _, c := range all {
			if c.Active {
				active++
			}
		}
		// Refresh the pool's snapshot so the rotation view is current.
		if _, _, err := deps.Pool.PeekCurrent(); err != nil {
			deps.Logger.Warn("refreshing rotation state", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, credentialStatus{
			Total:      len(all),
			Active:     active,
			InRotation: deps.Pool.ActiveCount(),
			Rotation:   deps.Pool.Status(),
		})
	}
}

func handleResetRotation(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Pool.Reset()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleListTokens(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokens, err := deps.Store.ListCallerTokens()
		if err != nil {
			writeStoreError(w, err, "tokens", "list")
			return
		}
		if tokens == nil {
			tokens = []storage.CallerToken{}
		}
		writeJSON(w, http.StatusOK, tokens)
	}
}

type createTokenRequest struct {
	Name          string     `json:"name"`
	ExpiresAt     *time.Time `json:"expires_at"`
	RateLimit     *bool      `json:"rate_limit"`
	QueuePriority bool       `json:"queue_priority"`
	Premium       bool       `json:"premium"`
}

func handleCreateToken(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTokenRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		rateLimit := true
		if req.RateLimit != nil {
			rateLimit = *req.RateLimit
		}

		t, err := deps.Store.CreateCallerToken(storage.CallerToken{
			Name:             req.Name,
			ExpiresAt:        req.ExpiresAt,
			RateLimitEnabled: rateLimit,
			QueuePriority:    req.QueuePriority,
			Premium:          req.Premium,
		})
		if err != nil {
			writeStoreError(w, err, "token", "create")
			return
		}
		deps.Logger.Info("caller token created", logging.TokenID(t.ID))
		writeJSON(w, http.StatusCreated, t)
	}
}

func handleGetToken(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Store.GetCallerToken(chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, err, "token", "get")
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleUpdateToken(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u storage.CallerTokenUpdate
		if !decodeBody(w, r, &u) {
			return
		}
		t, err := deps.Store.UpdateCallerToken(chi.URLParam(r, "id"), u)
		if err != nil {
			writeStoreError(w, err, "token", "update")
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleDeleteToken(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteCallerToken(chi.URLParam(r, "id")); err != nil {
			writeStoreError(w, err, "token", "delete")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListRules(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := deps.Store.ListErrorRules()
		if err != nil {
			writeStoreError(w, err, "error rules", "list")
			return
		}
		if rules == nil {
			rules = []storage.ErrorRule{}
		}
		writeJSON(w, http.StatusOK, rules)
	}
}

func handleCreateRule(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req storage.ErrorRule
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Pattern == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "pattern is required")
			return
		}
		if err := retry.ValidatePattern(req.Pattern); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		rule, err := deps.Store.CreateErrorRule(storage.ErrorRule{
			Pattern:        req.Pattern,
			Description:    req.Description,
			Classification: req.Classification,
		})
		if err != nil {
			writeStoreError(w, err, "error rule", "create")
			return
		}
		writeJSON(w, http.StatusCreated, rule)
	}
}

func handleGetRule(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := deps.Store.GetErrorRule(chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, err, "error rule", "get")
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func handleUpdateRule(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u storage.ErrorRuleUpdate
		if !decodeBody(w, r, &u) {
			return
		}
		if u.Pattern != nil {
			if err := retry.ValidatePattern(*u.Pattern); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		rule, err := deps.Store.UpdateErrorRule(chi.URLParam(r, "id"), u)
		if err != nil {
			writeStoreError(w, err, "error rule", "update")
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func handleDeleteRule(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteErrorRule(chi.URLParam(r, "id")); err != nil {
			writeStoreError(w, err, "error rule", "delete")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type queueStatus struct {
	Active         bool  `json:"active"`
	Length         int   `json:"length"`
	WaitTime       int64 `json:"wait_time_ms"`
	ActiveRequests int   `json:"active_requests"`
	Threshold      int   `json:"threshold"`
}

func handleQueueStatus(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.Queue.Status()
		writeJSON(w, http.StatusOK, queueStatus{
			Active:         st.QueueActive,
			Length:         st.Waiting,
			WaitTime:       st.CurrentWait.Milliseconds(),
			ActiveRequests: st.ActiveRequests,
			Threshold:      st.Threshold,
		})
	}
}
