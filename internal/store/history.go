package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubjectKind tags what a history record describes.
type SubjectKind string

const (
	SubjectCondition SubjectKind = "condition"
	SubjectAction    SubjectKind = "action"
)

// Subject is the Condition or Action a history record refers to.
type Subject struct {
	kind SubjectKind
	uuid string
}

// ConditionSubject refers to an evaluated Condition.
func ConditionSubject(conditionUUID string) Subject {
	return Subject{kind: SubjectCondition, uuid: conditionUUID}
}

// ActionSubject refers to an attempted Action.
func ActionSubject(actionUUID string) Subject {
	return Subject{kind: SubjectAction, uuid: actionUUID}
}

// Kind returns the subject tag.
func (s Subject) Kind() SubjectKind { return s.kind }

// UUID returns the referenced identifier.
func (s Subject) UUID() string { return s.uuid }

// IsZero reports whether no subject is set.
func (s Subject) IsZero() bool { return s.kind == "" || s.uuid == "" }

type subjectJSON struct {
	Kind SubjectKind `json:"kind"`
	UUID string      `json:"uuid"`
}

// MarshalJSON implements json.Marshaler.
func (s Subject) MarshalJSON() ([]byte, error) {
	return json.Marshal(subjectJSON{Kind: s.kind, UUID: s.uuid})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Subject) UnmarshalJSON(b []byte) error {
	var raw subjectJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case SubjectCondition:
		*s = ConditionSubject(raw.UUID)
	case SubjectAction:
		*s = ActionSubject(raw.UUID)
	default:
		return fmt.Errorf("unknown subject kind %q", raw.Kind)
	}
	return nil
}

// ItemStatus is the outcome of one evaluated Condition or attempted Action.
type ItemStatus string

const (
	StatusMatched    ItemStatus = "matched"
	StatusNotMatched ItemStatus = "not_matched"
	StatusError      ItemStatus = "error"
	StatusSkipped    ItemStatus = "skipped"
	StatusSucceeded  ItemStatus = "succeeded"
	StatusFailed     ItemStatus = "failed"
)

// HistoryRecord is the audit row of one Condition or Action within a dispatch attempt.
type HistoryRecord struct {
	UUID        string     `json:"uuid"`
	HistoryUUID string     `json:"historyUuid"`
	Subject     Subject    `json:"subject"`
	Status      ItemStatus `json:"status"`
	Message     string     `json:"message,omitempty"`
}

// TriggerHistory is the immutable audit row of one dispatch attempt.
type TriggerHistory struct {
	TriggeredAt       time.Time       `json:"triggeredAt"`
	ActionsPerformed  *bool           `json:"actionsPerformed"` // nil when conditions did not match
	UUID              string          `json:"uuid"`
	TriggerUUID       string          `json:"triggerUuid"`
	AssociationUUID   string          `json:"triggerAssociationUuid,omitempty"` // empty for manual invocations
	ObjectUUID        string          `json:"objectUuid"`
	Resource          Resource        `json:"resource"`
	Event             string          `json:"event,omitempty"`
	Message           string          `json:"message,omitempty"`
	Records           []HistoryRecord `json:"records,omitempty"`
	ConditionsMatched bool            `json:"conditionsMatched"`
}

// Performed reports the actions_performed flag, false when unset.
func (h *TriggerHistory) Performed() bool {
	return h.ActionsPerformed != nil && *h.ActionsPerformed
}

// Counts returns how many records fall into each status.
func (h *TriggerHistory) Counts() map[ItemStatus]int {
	counts := make(map[ItemStatus]int)
	for i := range h.Records {
		counts[h.Records[i].Status]++
	}
	return counts
}
