// Package domain defines the core data types and error taxonomy shared
// across the relaylink agent, relay server, and store layers.
package domain

import "time"

// Registration is the instance record assigned by the control plane on a
// successful register call. It is owned by the remote lifecycle manager for
// the duration of one connected session and discarded on disconnect.
type Registration struct {
	Domain string `json:"domain"`
	Email  string `json:"email"`
	Server string `json:"server"`
}

// Instance is a relay-side record of a registered agent.
type Instance struct {
	ID            string
	AccessKeyHash string
	Domain        string
	Email         string
	CreatedAt     time.Time
	LastSeenAt    *time.Time
}

// SessionToken is a relay-side record of a single-use session credential.
// A token authorizes exactly one relayed inbound session and is consumed
// transactionally the first time it is presented.
type SessionToken struct {
	Token      string
	InstanceID string
	AESKeyB64  string
	AESIVB64   string
	ExpiresAt  time.Time
	UsedAt     *time.Time
}
