// Package types defines the core domain models for nodetrust (ntm).
// It contains the Identity record shared by the authority and the node,
// the identity flavors, and the build/version constants used across the
// application. Identities start pending, are activated exactly once with a
// node-generated public key, and never revert.
package types

import (
	"time"
)

// Version is the current version of NTM
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// Flavor distinguishes the two kinds of remote nodes an issuer provisions.
type Flavor string

const (
	FlavorServer Flavor = "server" // restaurant local server, activated against the authority
	FlavorTablet Flavor = "tablet" // tablet, activated against a local server
)

// Valid reports whether f is a known flavor.
func (f Flavor) Valid() bool {
	return f == FlavorServer || f == FlavorTablet
}

// Identity is the issuer-side record of one remote node.
//
// Pending: ActivationSecretHash set, IsActivated false, no ExternalID or
// PublicKey. Active: ExternalID and PublicKey set, IsActivated true,
// ActivationSecretHash empty.
type Identity struct {
	ID                   string     `json:"id"`                              // Internal record key (UUID)
	Flavor               Flavor     `json:"flavor"`                          // server or tablet
	Name                 string     `json:"name"`                            // Operator supplied display name
	Address              string     `json:"address,omitempty"`               // Street address, servers only
	ExternalID           string     `json:"external_id,omitempty"`           // Public identifier, issued on activation
	ActivationSecretHash string     `json:"-"`                               // sha256 hex of the single-use secret
	ActivationExpiresAt  *time.Time `json:"activation_expires_at,omitempty"` // Secret deadline, tablets only
	PublicKey            string     `json:"-"`                               // Ed25519 SPKI PEM
	IsActivated          bool       `json:"is_activated"`
	CreatedAt            time.Time  `json:"created_at"`
	ActivatedAt          *time.Time `json:"activated_at,omitempty"`
}

// Pending reports whether the identity is still waiting for activation.
func (i *Identity) Pending() bool {
	return !i.IsActivated && i.ActivationSecretHash != ""
}

// Active reports whether the identity has completed activation.
func (i *Identity) Active() bool {
	return i.IsActivated && i.ExternalID != "" && i.PublicKey != ""
}

// Expired reports whether the activation secret is past its deadline at now.
// Identities without a deadline never expire.
func (i *Identity) Expired(now time.Time) bool {
	return i.ActivationExpiresAt != nil && now.After(*i.ActivationExpiresAt)
}
