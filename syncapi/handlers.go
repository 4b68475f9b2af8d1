package syncapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Handlers exposes the HTTP surface of the reference server: the
// success/data envelope the client expects, per-entity CRUD routes, and
// idempotency-key replay on mutations.
type Handlers struct {
	svc    *Service
	auth   Authenticator
	logger *slog.Logger
}

// NewHandlers creates the HTTP handlers. auth may be nil for local
// development servers.
func NewHandlers(svc *Service, auth Authenticator, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, auth: auth, logger: logger}
}

// Mux returns the routing table.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("HEAD /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/{entity}", h.authed(h.handleList))
	mux.HandleFunc("POST /api/{entity}", h.authed(h.handleCreate))
	mux.HandleFunc("GET /api/{entity}/{id}", h.authed(h.handleGet))
	mux.HandleFunc("PUT /api/{entity}/{id}", h.authed(h.handleUpdate))
	mux.HandleFunc("DELETE /api/{entity}/{id}", h.authed(h.handleDelete))
	return mux
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (h *Handlers) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.auth != nil {
			if _, err := h.auth.Authenticate(r); err != nil {
				h.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}
		entity := r.PathValue("entity")
		if !h.svc.Knows(entity) {
			h.writeError(w, http.StatusNotFound, "unknown entity type")
			return
		}
		next(w, r)
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context(), r.PathValue("entity"))
	if err != nil {
		h.logger.Error("list failed", "entity", r.PathValue("entity"), "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	data, _ := json.Marshal(items)
	h.writeData(w, http.StatusOK, data)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	payload, err := h.svc.GetByID(r.Context(), r.PathValue("entity"), r.PathValue("id"))
	if errors.Is(err, ErrRowNotFound) {
		h.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		h.logger.Error("get failed", "entity", r.PathValue("entity"), "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	h.writeData(w, http.StatusOK, payload)
}

func (h *Handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(body json.RawMessage) (json.RawMessage, int, string) {
		created, err := h.svc.Create(r.Context(), r.PathValue("entity"), body)
		if err != nil {
			h.logger.Error("create failed", "entity", r.PathValue("entity"), "error", err)
			return nil, http.StatusBadRequest, "failed to create record"
		}
		return created, http.StatusCreated, ""
	})
}

func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(body json.RawMessage) (json.RawMessage, int, string) {
		updated, err := h.svc.Update(r.Context(), r.PathValue("entity"), r.PathValue("id"), body)
		if errors.Is(err, ErrRowNotFound) {
			return nil, http.StatusNotFound, "record not found"
		}
		if err != nil {
			h.logger.Error("update failed", "entity", r.PathValue("entity"), "error", err)
			return nil, http.StatusBadRequest, "failed to update record"
		}
		return updated, http.StatusOK, ""
	})
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(json.RawMessage) (json.RawMessage, int, string) {
		err := h.svc.Delete(r.Context(), r.PathValue("entity"), r.PathValue("id"))
		if errors.Is(err, ErrRowNotFound) {
			return nil, http.StatusNotFound, "record not found"
		}
		if err != nil {
			h.logger.Error("delete failed", "entity", r.PathValue("entity"), "error", err)
			return nil, http.StatusInternalServerError, "failed to delete record"
		}
		return nil, http.StatusOK, ""
	})
}

// mutate runs a mutation behind idempotency-key replay: a repeated key gets
// the stored response byte-for-byte, so client retries after an ambiguous
// outcome never double-apply.
func (h *Handlers) mutate(w http.ResponseWriter, r *http.Request,
	apply func(body json.RawMessage) (data json.RawMessage, status int, errMsg string)) {

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		stored, err := h.svc.LookupIdempotent(r.Context(), key)
		if err != nil {
			h.logger.Error("idempotency lookup failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "idempotency lookup failed")
			return
		}
		if stored != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stored.StatusCode)
			w.Write(stored.Body)
			return
		}
	}

	var body json.RawMessage
	if r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		body = raw
	}

	data, status, errMsg := apply(body)

	env := responseEnvelope{Success: errMsg == "", Data: data, Message: errMsg}
	respBody, _ := json.Marshal(env)

	if key != "" {
		if err := h.svc.StoreIdempotent(r.Context(), key, status, respBody); err != nil {
			h.logger.Error("failed to store idempotent response", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}

func (h *Handlers) writeData(w http.ResponseWriter, status int, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(responseEnvelope{Success: true, Data: data}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(responseEnvelope{Success: false, Message: msg}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
