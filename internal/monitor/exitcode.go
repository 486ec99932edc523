// Package monitor provides TUI rendering and exit-code logic for trustflow.
package monitor

import (
	"strings"

	"github.com/ppiankov/trustflow/internal/store"
)

// Exit codes reported by dispatch and invoke.
const (
	ExitOK          = 0
	ExitEvalErrors  = 1
	ExitActionFails = 2
	ExitFatal       = 3
)

// ExitCode returns a process exit code based on the worst outcome among
// the History rows of a dispatch.
//
//	0 = every trigger ran cleanly (matched and performed, or not matched)
//	1 = a condition could not be evaluated or a definition was unavailable
//	2 = a matched trigger had failing actions
//	3 = the dispatch itself failed (audit write, lookup)
func ExitCode(rows []store.TriggerHistory, err error) int {
	if err != nil {
		return ExitFatal
	}
	code := ExitOK
	for i := range rows {
		h := &rows[i]
		if h.ConditionsMatched && !h.Performed() {
			code = ExitActionFails
			continue
		}
		if code < ExitEvalErrors && diagnostic(h) {
			code = ExitEvalErrors
		}
	}
	return code
}

// diagnostic reports whether a row carries evaluation errors or ended
// before its conditions were evaluated.
func diagnostic(h *store.TriggerHistory) bool {
	if h.ConditionsMatched {
		return false
	}
	if len(h.Records) == 0 {
		return h.Message != "" && !isPlainMiss(h.Message)
	}
	for i := range h.Records {
		if h.Records[i].Status == store.StatusError {
			return true
		}
	}
	return false
}

func isPlainMiss(msg string) bool {
	return strings.HasPrefix(msg, "conditions not matched")
}
