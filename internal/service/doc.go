// Package service coordinates equipment inventory, adapters and the session
// ledger.
//
// EquipmentService merges config-managed and API-managed descriptors, resolves
// the cached adapter for an equipment id and records every authorized or
// ended session in the repository. Config-managed equipment is read-only
// through the API.
//
// EventBus fans service events out to subscribers without blocking; the SSE
// hub and the optional KafkaSink are the two subscribers wired by the server.
package service
