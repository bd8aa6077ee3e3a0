package audit

import (
	"encoding/json"
	"time"
)

// Record is the flat, serializable shape handed to reporting layers.
// IntegrityVerified is set only for chained events and reflects that
// single event's hash, independent of the rest of the chain.
type Record struct {
	ID                int64           `json:"id"`
	ActorID           string          `json:"actorId"`
	ActorEmail        string          `json:"actorEmail"`
	TenantID          string          `json:"tenantId"`
	TenantName        string          `json:"tenantName"`
	EntityType        EntityType      `json:"entityType"`
	EntityID          int64           `json:"entityId"`
	EntityCode        string          `json:"entityCode"`
	OperationType     OperationType   `json:"operationType"`
	Description       string          `json:"description"`
	PriorState        json.RawMessage `json:"priorState,omitempty"`
	NewState          json.RawMessage `json:"newState,omitempty"`
	ChangedFields     string          `json:"changedFields,omitempty"`
	Module            Module          `json:"module"`
	Severity          Severity        `json:"severity"`
	InChain           bool            `json:"inChain"`
	EventHash         string          `json:"eventHash"`
	PreviousHash      string          `json:"previousHash,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	IntegrityVerified *bool           `json:"integrityVerified,omitempty"`
}

// NewRecord flattens e.
func NewRecord(e *Event) Record {
	r := Record{
		ID:            e.ID,
		ActorID:       e.ActorID,
		ActorEmail:    e.ActorEmail,
		TenantID:      e.TenantID,
		TenantName:    e.TenantName,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		EntityCode:    e.EntityCode,
		OperationType: e.OperationType,
		Description:   e.Description,
		PriorState:    e.PriorState,
		NewState:      e.NewState,
		ChangedFields: e.ChangedFields,
		Module:        e.Module,
		Severity:      e.Severity,
		InChain:       e.InChain,
		EventHash:     e.EventHash,
		PreviousHash:  e.PreviousHash,
		CreatedAt:     e.CreatedAt,
	}
	if e.InChain {
		ok := VerifyEventHash(e)
		r.IntegrityVerified = &ok
	}
	return r
}

// NewRecords flattens events preserving order.
func NewRecords(events []*Event) []Record {
	out := make([]Record, 0, len(events))
	for _, e := range events {
		out = append(out, NewRecord(e))
	}
	return out
}
