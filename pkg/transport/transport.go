package transport

import "github.com/amirimatin/go-mockhub/pkg/config"

// MessageType tags a control message on the wire.
type MessageType string

const (
	TypeAddConfig    MessageType = "add_config"
	TypeRemoveConfig MessageType = "remove_config"
)

// Message is the closed set of control-channel messages exchanged between a
// follower and the leader. Only types in this package implement it.
type Message interface {
	Type() MessageType
	// Sender is the pid of the process the message speaks for.
	Sender() int
	sealed()
}

// AddConfig registers or replaces the sender's ServerConfig.
type AddConfig struct {
	PID    int
	Config config.ServerConfig
}

// RemoveConfig withdraws the sender's ServerConfig.
type RemoveConfig struct {
	PID int
}

func (AddConfig) Type() MessageType { return TypeAddConfig }

func (m AddConfig) Sender() int { return m.PID }

func (AddConfig) sealed() {}

func (RemoveConfig) Type() MessageType { return TypeRemoveConfig }

func (m RemoveConfig) Sender() int { return m.PID }

func (RemoveConfig) sealed() {}
