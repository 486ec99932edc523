// Package web provides the HTTP surface of trustflow: lifecycle event
// ingestion, manual invocation, association cascade and the audit API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ppiankov/trustflow/internal/catalog"
	"github.com/ppiankov/trustflow/internal/dispatch"
	"github.com/ppiankov/trustflow/internal/history"
	"github.com/ppiankov/trustflow/internal/store"
	"github.com/ppiankov/trustflow/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Dispatcher runs lifecycle events and manual invocations.
type Dispatcher interface {
	Dispatch(ctx context.Context, resource store.Resource, event, objectUUID string) ([]store.TriggerHistory, error)
	Invoke(ctx context.Context, triggerUUID string, obj store.Object) (store.TriggerHistory, error)
}

// Definitions is the read side of the catalog plus the association cascade.
type Definitions interface {
	Triggers(ctx context.Context) ([]*store.Trigger, error)
	DeleteObjectAssociations(ctx context.Context, resource store.Resource, objectUUID string) (int64, error)
}

// Audit reads recorded History.
type Audit interface {
	List(ctx context.Context, f history.Filter) ([]store.TriggerHistory, error)
	Get(ctx context.Context, id string) (*store.TriggerHistory, error)
}

// Pinger checks the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API bundles the collaborators of the HTTP surface.
type API struct {
	Dispatcher  Dispatcher
	Definitions Definitions
	Audit       Audit
	DB          Pinger
}

// Register mounts every API route on mux.
func Register(mux *http.ServeMux, api *API) {
	mux.HandleFunc("POST /api/v1/events", EventHandler(api.Dispatcher))
	mux.HandleFunc("POST /api/v1/triggers/{uuid}/invoke", InvokeHandler(api.Dispatcher))
	mux.HandleFunc("GET /api/v1/triggers", TriggersHandler(api.Definitions))
	mux.HandleFunc("DELETE /api/v1/objects/{resource}/{uuid}/associations", DeleteAssociationsHandler(api.Definitions))
	mux.HandleFunc("GET /api/v1/history", HistoryHandler(api.Audit))
	mux.HandleFunc("GET /api/v1/history/{uuid}", HistoryItemHandler(api.Audit))
	mux.HandleFunc("GET /healthz", HealthzHandler(api.DB))
}

// EventRequest is the body of POST /api/v1/events.
type EventRequest struct {
	Resource   store.Resource `json:"resource"`
	Event      string         `json:"event"`
	ObjectUUID string         `json:"objectUuid"`
}

// InvokeRequest is the body of POST /api/v1/triggers/{uuid}/invoke.
type InvokeRequest struct {
	Resource   store.Resource `json:"resource"`
	ObjectUUID string         `json:"objectUuid"`
}

// ErrorResponse is the JSON body of every non-2xx reply. Histories carries
// the rows committed before an audit write failure.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Histories []store.TriggerHistory `json:"histories,omitempty"`
}

// EventHandler dispatches a lifecycle event and returns the History rows.
func EventHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EventRequest
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
		ctx := telemetry.Extract(r.Context(), r.Header)
		rows, err := d.Dispatch(ctx, req.Resource, req.Event, req.ObjectUUID)
		if err != nil {
			writeError(w, statusFor(err), err, rows)
			return
		}
		if rows == nil {
			rows = []store.TriggerHistory{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// InvokeHandler runs one Trigger against an object.
func InvokeHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InvokeRequest
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
		ctx := telemetry.Extract(r.Context(), r.Header)
		obj := store.Object{Resource: req.Resource, UUID: req.ObjectUUID}
		h, err := d.Invoke(ctx, r.PathValue("uuid"), obj)
		if err != nil {
			// An invocation has a single row; when its write fails nothing
			// was committed.
			writeError(w, statusFor(err), err, nil)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

// TriggersHandler lists Trigger definitions.
func TriggersHandler(defs Definitions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		triggers, err := defs.Triggers(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err, nil)
			return
		}
		if triggers == nil {
			triggers = []*store.Trigger{}
		}
		writeJSON(w, http.StatusOK, triggers)
	}
}

// DeleteAssociationsHandler detaches every Trigger from a deleted object.
func DeleteAssociationsHandler(defs Definitions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource, err := store.ParseResource(r.PathValue("resource"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
		n, err := defs.DeleteObjectAssociations(r.Context(), resource, r.PathValue("uuid"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

// HealthzHandler returns 200 with body "ok", or 503 when the database is
// unreachable.
func HealthzHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("database unavailable: " + err.Error())) //nolint:errcheck // best-effort response
				return
			}
		}
		w.Write([]byte("ok")) //nolint:errcheck // best-effort response
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrBadRequest), errors.Is(err, catalog.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("web: encoding response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error, rows []store.TriggerHistory) {
	if status >= http.StatusInternalServerError {
		slog.Error("web: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Histories: rows})
}
