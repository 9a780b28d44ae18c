package coordinator

import (
	"github.com/amirimatin/go-mockhub/pkg/membership"
)

// Role is a Coordinator's position in its lifecycle.
type Role string

const (
	RoleUnstarted Role = "unstarted"
	RoleElecting  Role = "electing"
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleShutdown  Role = "shutdown"
)

// Registrant is one process whose routes the leader serves.
type Registrant struct {
	PID   int      `json:"pid"`
	Paths []string `json:"paths"`
}

// Status is a JSON-serializable snapshot of a Coordinator suitable for the
// management endpoint and the `status` command.
type Status struct {
	Role        Role `json:"role"`
	PID         int  `json:"pid"`
	ListenPort  int  `json:"listenPort"`
	ControlPort int  `json:"controlPort,omitempty"`
	// Registrants is populated on the leader only, in resolution order.
	Registrants []Registrant `json:"registrants,omitempty"`
	// Followers lists control connections, including those in their grace
	// period. Leader only.
	Followers []membership.MemberInfo `json:"followers,omitempty"`
	Warnings  []string                `json:"warnings,omitempty"`
}
