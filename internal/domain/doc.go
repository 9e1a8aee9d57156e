// Package domain holds the shared model types and the contracts between the
// orchestration services and their collaborators.
//
// Contents
//
//   - Model entities: User, Device, Room, Membership, InboundGroupSession
//   - Durable configuration and client state records
//   - The Storage contract consumed by every service
//   - The Homeserver contract wrapping the client-server API
//
// # Notes
//
// Entities are plain data carriers; all invariants (single live pairwise
// session per device, outbound group session rotation, trust gating) are
// enforced by the services that mutate them through Storage.
package domain
