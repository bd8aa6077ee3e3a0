package audit

import "strings"

var moduleByEntity = map[EntityType]Module{
	EntityFarm:     ModuleProduction,
	EntityLot:      ModuleProduction,
	EntityHarvest:  ModuleProduction,
	EntityActivity: ModuleProduction,

	EntityReception:      ModulePackaging,
	EntityClassification: ModulePackaging,
	EntityLabel:          ModulePackaging,
	EntityPallet:         ModulePackaging,
	EntityQualityControl: ModulePackaging,

	EntityShipment:       ModuleLogistics,
	EntityLogisticsEvent: ModuleLogistics,
	EntityDocument:       ModuleLogistics,
}

// ClassifyModule maps an entity type to its subsystem. Unknown tags are SYSTEM.
func ClassifyModule(t EntityType) Module {
	if m, ok := moduleByEntity[NormalizeEntityType(t)]; ok {
		return m
	}
	return ModuleSystem
}

// NormalizeEntityType trims and upper-cases a tag.
func NormalizeEntityType(t EntityType) EntityType {
	return EntityType(strings.ToUpper(strings.TrimSpace(string(t))))
}

// SeverityFor returns the severity of an operation. Unknown operations are INFO.
func SeverityFor(op OperationType) Severity {
	switch op {
	case OperationDelete:
		return SeverityWarning
	case OperationClose:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// ChainEligible reports whether events of this operation join the tenant chain.
func ChainEligible(op OperationType) bool {
	return op == OperationClose
}
