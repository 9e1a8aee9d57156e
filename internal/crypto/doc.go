// Package crypto is the primitive engine behind the encryption services.
//
// Contents
//
//   - Account: local identity (Curve25519 + Ed25519) and one-time keys
//   - Session: pairwise double-ratchet-style channel (pre-key bootstrap,
//     per-message chain advance)
//   - OutboundGroupSession / InboundGroupSession: group ratchet with
//     exportable session keys and message indexes
//   - Pickle / Unpickle: secure serialization of every state type under a
//     caller-supplied symmetric key
//   - Ed25519 signing and verification over caller-provided bytes
//
// # Notes
//
// The orchestration layer treats this package as an opaque capability: it
// never inspects key material, only moves pickles between here and storage.
// Engine errors indicate corrupted state or misuse and are never retried.
package crypto
