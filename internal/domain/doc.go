// Package domain defines the vendor-neutral types shared by every portalgate
// layer: equipment descriptors and their credential variants, guest sessions,
// portal configuration, equipment status and the adapter error taxonomy.
//
// # Equipment
//
// EquipmentDescriptor describes one endpoint that can admit guests. Its
// Credentials field holds exactly one variant, chosen by the equipment type
// (see RequiredCredentialKind). Descriptors encode to JSON and YAML with the
// variant under a "credentials" key tagged by "kind".
//
// # Sessions
//
// A session moves Unauthenticated -> Authenticating -> Active and then to one
// of the terminal states Disconnected, Expired or Error. SessionStatus
// enforces the allowed transitions.
//
// # Errors
//
// Adapter faults are *AdapterError values carrying one of four categories.
// errors.Is matches them against ErrTransientNetwork, ErrAuthentication,
// ErrConfiguration and ErrUnsupportedOperation.
package domain
