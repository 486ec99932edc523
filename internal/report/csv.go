// Package report exports recorded trigger History as CSV.
package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/ppiankov/trustflow/internal/store"
)

var csvHeader = []string{
	"historyUuid", "triggeredAt", "triggerUuid", "associationUuid",
	"resource", "objectUuid", "event", "conditionsMatched", "actionsPerformed",
	"message", "subjectKind", "subjectUuid", "status", "detail",
}

// WriteCSV writes one row per History record to w. History columns repeat
// on every record row; a row without records is written once with empty
// record columns.
func WriteCSV(w io.Writer, histories []store.TriggerHistory) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for i := range histories {
		h := &histories[i]
		base := []string{
			h.UUID,
			h.TriggeredAt.UTC().Format(time.RFC3339),
			h.TriggerUUID,
			h.AssociationUUID,
			string(h.Resource),
			h.ObjectUUID,
			h.Event,
			strconv.FormatBool(h.ConditionsMatched),
			performed(h),
			h.Message,
		}
		if len(h.Records) == 0 {
			if err := cw.Write(append(base, "", "", "", "")); err != nil {
				return err
			}
			continue
		}
		for j := range h.Records {
			r := &h.Records[j]
			row := make([]string, 0, len(csvHeader))
			row = append(row, base...)
			row = append(row, string(r.Subject.Kind()), r.Subject.UUID(), string(r.Status), r.Message)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// performed renders the tri-state actions_performed flag; empty when the
// conditions did not match.
func performed(h *store.TriggerHistory) string {
	if h.ActionsPerformed == nil {
		return ""
	}
	return strconv.FormatBool(*h.ActionsPerformed)
}
