package monitor

import (
	"encoding/json"
	"io"

	"github.com/ppiankov/trustflow/internal/store"
)

// DispatchOutput is the JSON envelope for `trustflow dispatch --output json`.
// Wraps the History rows with exit-code metadata without changing the
// row type served by /api/v1/events.
type DispatchOutput struct {
	Histories []store.TriggerHistory `json:"histories"`
	Error     string                 `json:"error,omitempty"`
	ExitCode  int                    `json:"exitCode"`
}

// WriteJSON serializes a DispatchOutput envelope to w.
func WriteJSON(w io.Writer, rows []store.TriggerHistory, exitCode int, dispatchErr error) error {
	if rows == nil {
		rows = []store.TriggerHistory{}
	}
	out := DispatchOutput{Histories: rows, ExitCode: exitCode}
	if dispatchErr != nil {
		out.Error = dispatchErr.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
