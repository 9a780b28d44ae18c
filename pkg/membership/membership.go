package membership

import "time"

// MemberInfo describes a follower process as observed by the leader's
// control server.
type MemberInfo struct {
	PID int `json:"pid"`
	// Addr is the remote address of the follower's current control
	// connection; empty while the follower is in its grace period.
	Addr  string    `json:"addr,omitempty"`
	Since time.Time `json:"since"`
	// Detached is true between a socket close and either a reconnect or
	// the grace period expiring.
	Detached bool `json:"detached,omitempty"`
}
