package config

import "fmt"

// Role identifies how a node participates in the cluster.
type Role string

const (
	// RoleBootstrap is the first node in a cluster, responsible for genesis
	// creation and for serving the handshake artifacts to joining nodes.
	RoleBootstrap Role = "bootstrap"

	// RoleValidator is a staked node that joins an existing cluster.
	RoleValidator Role = "validator"

	// RoleBlockstreamer joins the cluster without stake and never delegates;
	// it only streams ledger data.
	RoleBlockstreamer Role = "blockstreamer"
)

// ParseRole converts a raw role argument into a Role.
// Unknown values are a configuration error.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleBootstrap, RoleValidator, RoleBlockstreamer:
		return Role(s), nil
	default:
		return "", &Error{Field: "role", Reason: fmt.Sprintf("unknown node type %q", s)}
	}
}

// Joining reports whether this role joins an existing cluster rather than
// creating one.
func (r Role) Joining() bool {
	return r == RoleValidator || r == RoleBlockstreamer
}

// Delegates reports whether this role submits a stake delegation after
// catching up. Blockstreamers never delegate.
func (r Role) Delegates() bool {
	return r == RoleValidator
}
