// Package audit implements the tamper-evident audit trail: an append-only
// log of state changes where critical operations are linked into a
// per-tenant SHA-256 hash chain.
package audit

import (
	"encoding/json"
	"time"
)

// SentinelHash is the PreviousHash of the first chained event of a tenant.
const SentinelHash = "0"

// OperationType is the kind of change an event records.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
	OperationClose  OperationType = "CLOSE"
)

// Severity grades an event for reporting.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// EntityType tags the kind of domain object an event is about.
type EntityType string

const (
	EntityFarm           EntityType = "FARM"
	EntityLot            EntityType = "LOT"
	EntityHarvest        EntityType = "HARVEST"
	EntityActivity       EntityType = "ACTIVITY"
	EntityReception      EntityType = "RECEPTION"
	EntityClassification EntityType = "CLASSIFICATION"
	EntityLabel          EntityType = "LABEL"
	EntityPallet         EntityType = "PALLET"
	EntityQualityControl EntityType = "QUALITY_CONTROL"
	EntityShipment       EntityType = "SHIPMENT"
	EntityLogisticsEvent EntityType = "LOGISTICS_EVENT"
	EntityDocument       EntityType = "DOCUMENT"
	EntityUser           EntityType = "USER"
)

// Module is the logical subsystem an entity type belongs to.
type Module string

const (
	ModuleProduction Module = "PRODUCTION"
	ModulePackaging  Module = "PACKAGING"
	ModuleLogistics  Module = "LOGISTICS"
	ModuleSystem     Module = "SYSTEM"
)

// Event is a single immutable audit record.
type Event struct {
	ID            int64           `json:"id"`
	ActorID       string          `json:"actorId"`
	ActorEmail    string          `json:"actorEmail"`
	TenantID      string          `json:"tenantId"`
	TenantName    string          `json:"tenantName"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      int64           `json:"entityId"`
	EntityCode    string          `json:"entityCode"`
	OperationType OperationType   `json:"operationType"`
	Description   string          `json:"description"`
	PriorState    json.RawMessage `json:"priorState,omitempty"`
	NewState      json.RawMessage `json:"newState,omitempty"`
	ChangedFields string          `json:"changedFields,omitempty"`
	Module        Module          `json:"module"`
	Severity      Severity        `json:"severity"`
	InChain       bool            `json:"inChain"`
	EventHash     string          `json:"eventHash"`
	PreviousHash  string          `json:"previousHash,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Clone returns a deep copy so callers never share snapshot buffers with a ledger.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.PriorState != nil {
		c.PriorState = append(json.RawMessage(nil), e.PriorState...)
	}
	if e.NewState != nil {
		c.NewState = append(json.RawMessage(nil), e.NewState...)
	}
	return &c
}
