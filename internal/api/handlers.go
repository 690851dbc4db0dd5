// Package api exposes the sync engine over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/services"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// SyncEngine is the part of engine.Engine the handlers use.
type SyncEngine interface {
	Create(ctx context.Context, table string, fields map[string]any) (models.Record, error)
	BatchCreate(ctx context.Context, table string, rows []map[string]any) ([]models.Record, error)
	Update(ctx context.Context, table, id string, fields map[string]any) (models.Record, error)
	Remove(ctx context.Context, table, id string) error
	Snapshot(table string) iter.Seq[models.Record]
	SyncStatus() models.SyncStatus
	ForceSync(ctx context.Context) error
	Stats() engine.Stats
}

type IdentityStore interface {
	SetToken(token string) (models.Identity, error)
	Clear()
}

type Handler struct {
	engine   SyncEngine
	identity IdentityStore
	log      zerolog.Logger
}

func NewHandler(eng SyncEngine, identity IdentityStore, log zerolog.Logger) *Handler {
	return &Handler{engine: eng, identity: identity, log: log}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", h.health)

	router.Route("/tables/{table}/records", func(r chi.Router) {
		r.Get("/", h.listRecords)
		r.Post("/", h.createRecord)
		r.Post("/batch", h.batchCreate)
		r.Patch("/{id}", h.updateRecord)
		r.Delete("/{id}", h.removeRecord)
	})

	router.Get("/sync/status", h.syncStatus)
	router.Post("/sync/force", h.forceSync)

	router.Put("/identity", h.setIdentity)
	router.Delete("/identity", h.clearIdentity)
	return router
}

type recordResponse struct {
	models.Record
	Pending bool `json:"pending"`
}

func toResponse(rec models.Record) recordResponse {
	return recordResponse{Record: rec, Pending: rec.Pending}
}

type statusResponse struct {
	models.SyncStatus
	LastError string `json:"last_error,omitempty"`
}

type fieldsRequest struct {
	Fields map[string]any `json:"fields"`
}

type batchRequest struct {
	Rows []map[string]any `json:"rows"`
}

type identityRequest struct {
	Token string `json:"token"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "OK",
		"stats":  h.engine.Stats(),
	})
}

// listRecords returns the visible records of a table. Query parameters
// narrow the result to records whose fields equal the given values.
func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	filter := models.Filter{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			filter[key] = values[0]
		}
	}

	out := []recordResponse{}
	for rec := range h.engine.Snapshot(chi.URLParam(r, "table")) {
		if filter.Matches(rec) {
			out = append(out, toResponse(rec))
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createRecord(w http.ResponseWriter, r *http.Request) {
	var req fieldsRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.engine.Create(r.Context(), chi.URLParam(r, "table"), req.Fields)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, writeStatus(rec.Pending, http.StatusCreated), toResponse(rec))
}

func (h *Handler) batchCreate(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	records, err := h.engine.BatchCreate(r.Context(), chi.URLParam(r, "table"), req.Rows)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pending := false
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		pending = pending || rec.Pending
		out = append(out, toResponse(rec))
	}
	h.writeJSON(w, writeStatus(pending, http.StatusCreated), out)
}

func (h *Handler) updateRecord(w http.ResponseWriter, r *http.Request) {
	var req fieldsRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.engine.Update(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id"), req.Fields)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, writeStatus(rec.Pending, http.StatusOK), toResponse(rec))
}

func (h *Handler) removeRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Remove(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	status := h.engine.SyncStatus()
	resp := statusResponse{SyncStatus: status}
	if status.LastError != nil {
		resp.LastError = status.LastError.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) forceSync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ForceSync(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.syncStatus(w, r)
}

func (h *Handler) setIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.identity.SetToken(req.Token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, id)
}

func (h *Handler) clearIdentity(w http.ResponseWriter, r *http.Request) {
	h.identity.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// writeStatus answers 202 Accepted while the change awaits confirmation.
func writeStatus(pending bool, confirmed int) int {
	if pending {
		return http.StatusAccepted
	}
	return confirmed
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrExhaustedRetry), errors.Is(err, models.ErrConnectivity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
