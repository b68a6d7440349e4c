// Package handler implements the portalgate HTTP API on gin.
//
// Routes are grouped under /api. Equipment-scoped operations live below
// /api/equipment/:id and delegate to the equipment service, which resolves
// the cached adapter for that id.
//
// Errors are returned as JSON with an {error, details} body. Status codes
// follow the error taxonomy: configuration errors are 400, authentication
// refusals 401, unknown equipment 404, edits to config-managed equipment
// 409, unsupported operations 501 and transient network failures 503.
//
// Credentials are never echoed back; equipment views carry only the
// credential kind.
//
// The /events endpoint streams service events over SSE, or over a websocket
// when the client asks for an upgrade.
package handler
