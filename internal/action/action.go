package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action statuses
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusFailed  = "failed"
)

// Action kinds. The set is closed: every queued mutation is one of these.
const (
	KindUpdateCompensation             = "update_compensation"
	KindUpdateCompensationByAssignment = "update_compensation_by_assignment"
	KindBatchUpdateCompensations       = "batch_update_compensations"
	KindApplyForExchange               = "apply_for_exchange"
	KindAddAssignmentToExchange        = "add_assignment_to_exchange"
	KindRemoveOwnExchange              = "remove_own_exchange"
)

// Kinds lists every valid action kind.
var Kinds = []string{
	KindUpdateCompensation,
	KindUpdateCompensationByAssignment,
	KindBatchUpdateCompensations,
	KindApplyForExchange,
	KindAddAssignmentToExchange,
	KindRemoveOwnExchange,
}

// Action is the unit of queued work: one deferred user mutation.
// The payload is immutable after construction; only status, retry_count,
// error and conflict change over the action's lifetime.
type Action struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	Error      string          `json:"error,omitempty"`
	Conflict   bool            `json:"conflict,omitempty"`
	CreatedAt  int64           `json:"created_at"` // epoch milliseconds
	Payload    json.RawMessage `json:"payload"`

	// NotBefore gates re-selection after a transient failure. It is not
	// persisted: after a restart a retrying action is immediately eligible,
	// which is safe because replay is idempotent per action ID.
	NotBefore time.Time `json:"-"`
}

// CompensationData holds the editable fields of a match compensation.
// Nil fields are left untouched by the remote service.
type CompensationData struct {
	DistanceInMetres *int    `json:"distanceInMetres,omitempty"`
	TravelCostCents  *int    `json:"travelCostCents,omitempty"`
	Note             *string `json:"note,omitempty"`
}

// UpdateCompensation edits a single compensation by its own id.
type UpdateCompensation struct {
	CompensationID string           `json:"compensationId"`
	Data           CompensationData `json:"data"`
	GameNumber     string           `json:"gameNumber,omitempty"`
}

// UpdateCompensationByAssignment edits the compensation belonging to an
// assignment. The compensation id is resolved at execution time.
type UpdateCompensationByAssignment struct {
	AssignmentID string           `json:"assignmentId"`
	Data         CompensationData `json:"data"`
	GameNumber   string           `json:"gameNumber,omitempty"`
}

// BatchUpdateCompensations edits many compensations as a single unit of work.
type BatchUpdateCompensations struct {
	CompensationIDs []string         `json:"compensationIds"`
	Data            CompensationData `json:"data"`
}

// ApplyForExchange applies for a game offered on the exchange.
type ApplyForExchange struct {
	ExchangeID string `json:"exchangeId"`
	GameNumber string `json:"gameNumber,omitempty"`
}

// AddAssignmentToExchange offers one of the referee's own assignments on the
// exchange.
type AddAssignmentToExchange struct {
	AssignmentID string `json:"assignmentId"`
	GameNumber   string `json:"gameNumber,omitempty"`
}

// RemoveOwnExchange withdraws one of the referee's own exchange offers.
type RemoveOwnExchange struct {
	ExchangeID string `json:"exchangeId"`
}

func newAction(kind string, payload any) (*Action, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Action{
		ID:        NewActionID(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// NewUpdateCompensation builds an update_compensation action.
func NewUpdateCompensation(compensationID string, data CompensationData, gameNumber string) (*Action, error) {
	if compensationID == "" {
		return nil, &InvalidActionError{Kind: KindUpdateCompensation, Field: "compensationId"}
	}
	return newAction(KindUpdateCompensation, UpdateCompensation{
		CompensationID: compensationID,
		Data:           data,
		GameNumber:     gameNumber,
	})
}

// NewUpdateCompensationByAssignment builds an update_compensation_by_assignment action.
func NewUpdateCompensationByAssignment(assignmentID string, data CompensationData, gameNumber string) (*Action, error) {
	if assignmentID == "" {
		return nil, &InvalidActionError{Kind: KindUpdateCompensationByAssignment, Field: "assignmentId"}
	}
	return newAction(KindUpdateCompensationByAssignment, UpdateCompensationByAssignment{
		AssignmentID: assignmentID,
		Data:         data,
		GameNumber:   gameNumber,
	})
}

// NewBatchUpdateCompensations builds a batch_update_compensations action.
func NewBatchUpdateCompensations(compensationIDs []string, data CompensationData) (*Action, error) {
	if len(compensationIDs) == 0 {
		return nil, &InvalidActionError{Kind: KindBatchUpdateCompensations, Field: "compensationIds"}
	}
	for _, id := range compensationIDs {
		if id == "" {
			return nil, &InvalidActionError{Kind: KindBatchUpdateCompensations, Field: "compensationIds"}
		}
	}
	return newAction(KindBatchUpdateCompensations, BatchUpdateCompensations{
		CompensationIDs: compensationIDs,
		Data:            data,
	})
}

// NewApplyForExchange builds an apply_for_exchange action.
func NewApplyForExchange(exchangeID, gameNumber string) (*Action, error) {
	if exchangeID == "" {
		return nil, &InvalidActionError{Kind: KindApplyForExchange, Field: "exchangeId"}
	}
	return newAction(KindApplyForExchange, ApplyForExchange{
		ExchangeID: exchangeID,
		GameNumber: gameNumber,
	})
}

// NewAddAssignmentToExchange builds an add_assignment_to_exchange action.
func NewAddAssignmentToExchange(assignmentID, gameNumber string) (*Action, error) {
	if assignmentID == "" {
		return nil, &InvalidActionError{Kind: KindAddAssignmentToExchange, Field: "assignmentId"}
	}
	return newAction(KindAddAssignmentToExchange, AddAssignmentToExchange{
		AssignmentID: assignmentID,
		GameNumber:   gameNumber,
	})
}

// NewRemoveOwnExchange builds a remove_own_exchange action.
func NewRemoveOwnExchange(exchangeID string) (*Action, error) {
	if exchangeID == "" {
		return nil, &InvalidActionError{Kind: KindRemoveOwnExchange, Field: "exchangeId"}
	}
	return newAction(KindRemoveOwnExchange, RemoveOwnExchange{ExchangeID: exchangeID})
}

// New builds an action of the given kind from a raw payload. Used by the
// status API where the payload arrives as JSON. The payload must decode into
// the kind's shape and carry the required entity ids.
func New(kind string, payload json.RawMessage) (*Action, error) {
	switch kind {
	case KindUpdateCompensation:
		var p UpdateCompensation
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &InvalidActionError{Kind: kind, Field: "payload"}
		}
		return NewUpdateCompensation(p.CompensationID, p.Data, p.GameNumber)
	case KindUpdateCompensationByAssignment:
		var p UpdateCompensationByAssignment
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &InvalidActionError{Kind: kind, Field: "payload"}
		}
		return NewUpdateCompensationByAssignment(p.AssignmentID, p.Data, p.GameNumber)
	case KindBatchUpdateCompensations:
		var p BatchUpdateCompensations
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &InvalidActionError{Kind: kind, Field: "payload"}
		}
		return NewBatchUpdateCompensations(p.CompensationIDs, p.Data)
	case KindApplyForExchange:
		var p ApplyForExchange
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &InvalidActionError{Kind: kind, Field: "payload"}
		}
		return NewApplyForExchange(p.ExchangeID, p.GameNumber)
	case KindAddAssignmentToExchange:
		var p AddAssignmentToExchange
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &InvalidActionError{Kind: kind, Field: "payload"}
		}
		return NewAddAssignmentToExchange(p.AssignmentID, p.GameNumber)
	case KindRemoveOwnExchange:
		var p RemoveOwnExchange
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &InvalidActionError{Kind: kind, Field: "payload"}
		}
		return NewRemoveOwnExchange(p.ExchangeID)
	default:
		return nil, &InvalidActionError{Kind: kind, Field: "kind"}
	}
}

// EntityKeys returns the keys of the entities this action targets. The sync
// engine allows at most one in-flight action per entity key.
func (a *Action) EntityKeys() []string {
	switch a.Kind {
	case KindUpdateCompensation:
		var p UpdateCompensation
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return []string{"compensation/" + p.CompensationID}
	case KindUpdateCompensationByAssignment:
		var p UpdateCompensationByAssignment
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return []string{"assignment/" + p.AssignmentID}
	case KindBatchUpdateCompensations:
		var p BatchUpdateCompensations
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		keys := make([]string, 0, len(p.CompensationIDs))
		for _, id := range p.CompensationIDs {
			keys = append(keys, "compensation/"+id)
		}
		return keys
	case KindApplyForExchange:
		var p ApplyForExchange
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return []string{"exchange/" + p.ExchangeID}
	case KindAddAssignmentToExchange:
		var p AddAssignmentToExchange
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return []string{"assignment/" + p.AssignmentID}
	case KindRemoveOwnExchange:
		var p RemoveOwnExchange
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil
		}
		return []string{"exchange/" + p.ExchangeID}
	}
	return nil
}

// GameNumber extracts the game number carried for conflict surfacing, if any.
func (a *Action) GameNumber() string {
	var p struct {
		GameNumber string `json:"gameNumber"`
	}
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return ""
	}
	return p.GameNumber
}

// Clone returns a deep copy. Snapshots hand out clones so readers never hold
// a reference to queue-internal state.
func (a *Action) Clone() *Action {
	c := *a
	c.Payload = append(json.RawMessage(nil), a.Payload...)
	return &c
}
