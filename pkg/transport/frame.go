package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/amirimatin/go-mockhub/pkg/config"
)

// Frame layout: [version:1][length:4, big endian][payload:length].
const (
	FrameVersion    byte = 1
	frameHeaderSize      = 5
	MaxPayloadSize       = 1 << 20
)

var (
	// ErrFrame means the byte stream can no longer be trusted; the
	// connection must be dropped.
	ErrFrame = errors.New("transport: bad frame")
	// ErrPayload means one frame was intact but its content was not a valid
	// message. The stream is still aligned and reading may continue.
	ErrPayload = errors.New("transport: bad payload")
)

type envelope struct {
	Type   MessageType          `json:"type"`
	PID    int                  `json:"pid"`
	Config *config.ServerConfig `json:"config,omitempty"`
}

// Encode serialises m into a single frame.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type(), PID: m.Sender()}
	switch v := m.(type) {
	case AddConfig:
		cfg := v.Config
		env.Config = &cfg
	case RemoveConfig:
	default:
		return nil, fmt.Errorf("transport: unknown message %T", m)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrFrame, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = FrameVersion
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// WriteMessage encodes m and writes it with a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMessage reads exactly one frame from r. io.EOF is returned untouched
// when the stream ends cleanly between frames.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrFrame)
		}
		return nil, err
	}
	if hdr[0] != FrameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFrame, hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrFrame, n, MaxPayloadSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrFrame, err)
	}
	return Decode(payload)
}

// Decode parses a frame payload into a Message.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if env.PID <= 0 {
		return nil, fmt.Errorf("%w: missing pid", ErrPayload)
	}
	switch env.Type {
	case TypeAddConfig:
		if env.Config == nil {
			return nil, fmt.Errorf("%w: add_config without config", ErrPayload)
		}
		return AddConfig{PID: env.PID, Config: *env.Config}, nil
	case TypeRemoveConfig:
		return RemoveConfig{PID: env.PID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrPayload, env.Type)
	}
}
