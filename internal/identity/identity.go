// Package identity holds the node's mutable identity fields — node_id can
// change across a re-registration, so it's guarded by a read/write lock
// rather than stored as a plain immutable value.
package identity

import (
	"sync"
	"sync/atomic"
)

// Identity is the read-mostly NodeIdentity record shared across the
// heartbeat reconciler (writer) and every request handler (reader).
type Identity struct {
	mu             sync.RWMutex
	nodeID         string
	publicIP       string
	tlsFingerprint string

	// reconciling is set while a NodeNotFound re-registration is in
	// flight. Per the chosen resolution of spec.md's open question, new
	// authenticated requests are rejected with 503 while this is true,
	// rather than continuing to serve against the stale node_id.
	reconciling atomic.Bool
}

// New constructs an Identity already bound to a node_id from register().
func New(nodeID, publicIP, tlsFingerprint string) *Identity {
	return &Identity{nodeID: nodeID, publicIP: publicIP, tlsFingerprint: tlsFingerprint}
}

// NodeID returns the current node_id.
func (i *Identity) NodeID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.nodeID
}

// SetNodeID installs a new node_id, e.g. after a successful re-registration.
func (i *Identity) SetNodeID(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nodeID = id
}

// PublicIP returns the node's public IP address.
func (i *Identity) PublicIP() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.publicIP
}

// TLSFingerprint returns the lowercase-hex SHA-256 fingerprint of the
// node's certificate, or "" when TLS is disabled.
func (i *Identity) TLSFingerprint() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tlsFingerprint
}

// SetReconciling marks whether a NodeNotFound re-registration is in
// flight. Handlers check IsReconciling before running the Auth Verifier.
func (i *Identity) SetReconciling(v bool) { i.reconciling.Store(v) }

// IsReconciling reports whether new authenticated requests should be
// rejected with 503 while node_id is being re-established.
func (i *Identity) IsReconciling() bool { return i.reconciling.Load() }
