// Package adapter implements the per-vendor captive-portal integrations.
//
// Every adapter satisfies Adapter. Overlay and tunnel adapters (direct,
// Cloudflare, WireGuard, Tailscale, OpenVPN, RADIUS) also satisfy
// TransportAdapter, whose connection must be established before guest
// operations mean anything.
//
// # Construction
//
// Factory builds adapters from descriptors and caches one instance per
// (type, id) in a Registry. Concurrent requests for the same key share a
// single construction. Failed constructions are not cached.
//
// # Detection
//
// Detector fingerprints an address with SNMP sysObjectID, a port scan (TCP
// dial or nmap) and vendor HTTP probes. Probes run in priority order with a
// per-probe timeout; when none match the result is the direct type.
//
// # Sessions
//
// Vendor adapters keep a session book per equipment. Sessions expire lazily
// when read past their duration, and listings are reconciled against what
// the equipment reports.
package adapter
