// Package store defines the shared domain types of the trigger automation engine.
package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource identifies the kind of managed object a definition applies to.
type Resource string

const (
	ResourceCertificate       Resource = "CERTIFICATE"
	ResourceCryptographicKey  Resource = "CRYPTOGRAPHIC_KEY"
	ResourceRAProfile         Resource = "RA_PROFILE"
	ResourceAuthority         Resource = "AUTHORITY"
	ResourceConnector         Resource = "CONNECTOR"
	ResourceComplianceProfile Resource = "COMPLIANCE_PROFILE"
	ResourceTokenProfile      Resource = "TOKEN_PROFILE"
	ResourceDiscovery         Resource = "DISCOVERY"
	ResourceACMEProfile       Resource = "ACME_PROFILE"
	ResourceSCEPProfile       Resource = "SCEP_PROFILE"

	// ResourceAny is accepted only on Actions and Action Groups.
	ResourceAny Resource = "ANY"
)

var knownResources = map[Resource]bool{
	ResourceCertificate:       true,
	ResourceCryptographicKey:  true,
	ResourceRAProfile:         true,
	ResourceAuthority:         true,
	ResourceConnector:         true,
	ResourceComplianceProfile: true,
	ResourceTokenProfile:      true,
	ResourceDiscovery:         true,
	ResourceACMEProfile:       true,
	ResourceSCEPProfile:       true,
}

// Valid reports whether r names a concrete resource kind.
func (r Resource) Valid() bool {
	return knownResources[r]
}

// Covers reports whether a definition scoped to r applies to objects of kind other.
func (r Resource) Covers(other Resource) bool {
	return r == ResourceAny || r == other
}

// ParseResource validates a resource name supplied by a caller.
func ParseResource(s string) (Resource, error) {
	r := Resource(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown resource %q", s)
	}
	return r, nil
}

// FieldSource selects where a field value is resolved from.
type FieldSource string

const (
	SourceProperty        FieldSource = "PROPERTY"
	SourceMetadata        FieldSource = "METADATA"
	SourceCustomAttribute FieldSource = "CUSTOM_ATTRIBUTE"
	SourceDataAttribute   FieldSource = "DATA_ATTRIBUTE"
)

// Valid reports whether s is a known field source.
func (s FieldSource) Valid() bool {
	switch s {
	case SourceProperty, SourceMetadata, SourceCustomAttribute, SourceDataAttribute:
		return true
	}
	return false
}

// FieldReference points at one field of a managed object.
type FieldReference struct {
	Source     FieldSource `json:"source"`
	Identifier string      `json:"identifier"`
}

func (f FieldReference) String() string {
	return string(f.Source) + ":" + f.Identifier
}

// Operator is the comparison a Condition applies.
type Operator string

const (
	OpEquals         Operator = "EQUALS"
	OpNotEquals      Operator = "NOT_EQUALS"
	OpContains       Operator = "CONTAINS"
	OpNotContains    Operator = "NOT_CONTAINS"
	OpStartsWith     Operator = "STARTS_WITH"
	OpEndsWith       Operator = "ENDS_WITH"
	OpGreater        Operator = "GREATER"
	OpGreaterOrEqual Operator = "GREATER_OR_EQUAL"
	OpLesser         Operator = "LESSER"
	OpLesserOrEqual  Operator = "LESSER_OR_EQUAL"
	OpEmpty          Operator = "EMPTY"
	OpNotEmpty       Operator = "NOT_EMPTY"
	OpIn             Operator = "IN"
	OpNotIn          Operator = "NOT_IN"
)

// Operators lists every supported operator in declaration order.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpGreater, OpGreaterOrEqual, OpLesser, OpLesserOrEqual,
	OpEmpty, OpNotEmpty, OpIn, OpNotIn,
}

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// OwnerKind tags the owner of a Condition.
type OwnerKind string

const (
	OwnerRule  OwnerKind = "rule"
	OwnerGroup OwnerKind = "group"
)

// Owner is the Rule or Condition Group a Condition belongs to.
// The zero Owner is unowned and is rejected by the catalog.
type Owner struct {
	kind OwnerKind
	uuid string
}

// OfRule returns an Owner pointing at a Rule.
func OfRule(ruleUUID string) Owner { return Owner{kind: OwnerRule, uuid: ruleUUID} }

// OfGroup returns an Owner pointing at a Condition Group.
func OfGroup(groupUUID string) Owner { return Owner{kind: OwnerGroup, uuid: groupUUID} }

// Kind returns the owner tag.
func (o Owner) Kind() OwnerKind { return o.kind }

// UUID returns the owner's identifier.
func (o Owner) UUID() string { return o.uuid }

// IsZero reports whether no owner is set.
func (o Owner) IsZero() bool { return o.kind == "" || o.uuid == "" }

type ownerJSON struct {
	Kind OwnerKind `json:"kind"`
	UUID string    `json:"uuid"`
}

// MarshalJSON implements json.Marshaler.
func (o Owner) MarshalJSON() ([]byte, error) {
	if o.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ownerJSON{Kind: o.kind, UUID: o.uuid})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Owner) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = Owner{}
		return nil
	}
	var raw ownerJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case OwnerRule:
		*o = OfRule(raw.UUID)
	case OwnerGroup:
		*o = OfGroup(raw.UUID)
	default:
		return fmt.Errorf("unknown owner kind %q", raw.Kind)
	}
	return nil
}

// Condition is an atomic predicate over one field of an object.
type Condition struct {
	UUID     string         `json:"uuid,omitempty"`
	Owner    Owner          `json:"owner"`
	Resource Resource       `json:"resource,omitempty"` // empty inherits the owner's resource
	Field    FieldReference `json:"field"`
	Operator Operator       `json:"operator"`
	Operand  Value          `json:"operand"`
	Order    int            `json:"order"`
}

// ConditionGroup is a named, reusable conjunction of Conditions.
type ConditionGroup struct {
	UUID        string      `json:"uuid,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Resource    Resource    `json:"resource"`
	Conditions  []Condition `json:"conditions"`
}

// Rule is a named predicate: its direct Conditions AND every referenced group.
type Rule struct {
	UUID          string      `json:"uuid,omitempty"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	Resource      Resource    `json:"resource"`
	ConnectorUUID string      `json:"connectorUuid,omitempty"` // set when sourced from an external provider
	Conditions    []Condition `json:"conditions,omitempty"`
	GroupUUIDs    []string    `json:"conditionGroups,omitempty"`
}

// ActionType selects the backend that performs an Action.
type ActionType string

const (
	ActionSetField         ActionType = "SET_FIELD"
	ActionSendNotification ActionType = "SEND_NOTIFICATION"
	ActionRequestApproval  ActionType = "REQUEST_APPROVAL"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionSetField, ActionSendNotification, ActionRequestApproval:
		return true
	}
	return false
}

// Action is a single operation performed on or about a target object.
type Action struct {
	UUID        string            `json:"uuid,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        ActionType        `json:"type"`
	Resource    Resource          `json:"resource"`
	GroupingKey string            `json:"groupingKey,omitempty"`
	Field       *FieldReference   `json:"field,omitempty"`
	Value       Value             `json:"value"`
	Params      map[string]string `json:"params,omitempty"`
}

// GroupMember places an Action inside an Action Group.
type GroupMember struct {
	ActionUUID string `json:"action"`
	Order      int    `json:"order"`
}

// ActionGroup is a named, reusable ordered set of Actions.
type ActionGroup struct {
	UUID        string        `json:"uuid,omitempty"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Resource    Resource      `json:"resource"`
	Members     []GroupMember `json:"actions"`
}

// TriggerType says what drives a Trigger.
type TriggerType string

const (
	TriggerEvent     TriggerType = "EVENT"
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerEvent, TriggerManual, TriggerScheduled:
		return true
	}
	return false
}

// EffectKind tags an entry of a Trigger's effect list.
type EffectKind string

const (
	EffectAction      EffectKind = "ACTION"
	EffectActionGroup EffectKind = "ACTION_GROUP"
)

// Effect is one entry of a Trigger's single ordered effect list.
type Effect struct {
	Kind  EffectKind `json:"kind"`
	UUID  string     `json:"uuid"`
	Order int        `json:"order"`
}

// Trigger binds a lifecycle event to gating Rules and effect Actions.
type Trigger struct {
	CreatedAt   time.Time   `json:"createdAt"`
	UUID        string      `json:"uuid,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Type        TriggerType `json:"type"`
	Event       string      `json:"event,omitempty"`
	Resource    Resource    `json:"resource"`
	RuleUUIDs   []string    `json:"rules,omitempty"`
	Effects     []Effect    `json:"effects,omitempty"`
}

// TriggerAssociation binds a Trigger to one object, or to every object
// of its resource when ObjectUUID is empty.
type TriggerAssociation struct {
	CreatedAt   time.Time `json:"createdAt"`
	UUID        string    `json:"uuid,omitempty"`
	Resource    Resource  `json:"resource"`
	ObjectUUID  string    `json:"objectUuid,omitempty"`
	TriggerUUID string    `json:"triggerUuid"`
	Order       int       `json:"order"`
}

// AnyObject reports whether the association applies to every object of its resource.
func (a *TriggerAssociation) AnyObject() bool {
	return a.ObjectUUID == ""
}

// Object identifies one managed resource instance.
type Object struct {
	Resource Resource `json:"resource"`
	UUID     string   `json:"uuid"`
}

func (o Object) String() string {
	return string(o.Resource) + "/" + o.UUID
}
