package web

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ppiankov/trustflow/internal/history"
	"github.com/ppiankov/trustflow/internal/store"
)

// HistoryHandler returns recorded History rows matching the query as JSON.
// Query parameters: object, trigger, from, to (RFC 3339), limit, records.
func HistoryHandler(audit Audit) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, err, nil)
			return
		}
		rows, err := audit.List(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err, nil)
			return
		}
		if rows == nil {
			rows = []store.TriggerHistory{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// HistoryItemHandler returns one History row with its records.
func HistoryItemHandler(audit Audit) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := audit.Get(r.Context(), r.PathValue("uuid"))
		if err != nil {
			writeError(w, statusFor(err), err, nil)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func parseFilter(q url.Values) (history.Filter, error) {
	f := history.Filter{
		ObjectUUID:  q.Get("object"),
		TriggerUUID: q.Get("trigger"),
		Limit:       50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
		f.Limit = n
	}
	var err error
	if f.From, err = parseTime("from", q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to", q.Get("to")); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, fmt.Errorf("from must be before to")
	}
	if v := q.Get("records"); v != "" {
		if f.WithRecords, err = strconv.ParseBool(v); err != nil {
			return f, fmt.Errorf("records must be a boolean, got %q", v)
		}
	}
	return f, nil
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := store.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}
