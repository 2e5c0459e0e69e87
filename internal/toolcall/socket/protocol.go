// Package socket calls tools that run as separate processes over a Unix
// socket or TCP, using length-prefixed JSON messages.
package socket

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/opentalon/orchestra/internal/toolcall"
)

const (
	HandshakeVersion = 1
	// MaxMessageSize bounds a single message body (4 MB).
	MaxMessageSize = 4 * 1024 * 1024
)

const (
	MethodDescribe = "describe"
	MethodInvoke   = "invoke"
)

type Request struct {
	Method string         `json:"method"`
	ID     string         `json:"id,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Input  toolcall.Input `json:"input,omitempty"`
	// TimeoutMS tells the server how long the host will wait.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

type Response struct {
	CallID    string          `json:"call_id,omitempty"`
	Output    toolcall.Output `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind toolcall.Kind   `json:"error_kind,omitempty"`
	Tools     []ToolInfo      `json:"tools,omitempty"`
}

// ToolInfo is a server's self-description of one tool it serves.
type ToolInfo struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

// Handshake is the first line a tool process writes to stdout.
// Format: "<version>|<network>|<address>", e.g. "1|unix|/tmp/tool.sock".
type Handshake struct {
	Version int
	Network string
	Address string
}

func (h Handshake) String() string {
	return fmt.Sprintf("%d|%s|%s", h.Version, h.Network, h.Address)
}

func ParseHandshake(line string) (Handshake, error) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	if len(parts) != 3 {
		return Handshake{}, fmt.Errorf("invalid handshake %q: expected version|network|address", line)
	}
	var h Handshake
	if _, err := fmt.Sscan(parts[0], &h.Version); err != nil {
		return Handshake{}, fmt.Errorf("invalid handshake version %q: %w", parts[0], err)
	}
	h.Network, h.Address = parts[1], parts[2]
	if h.Version != HandshakeVersion {
		return Handshake{}, fmt.Errorf("unsupported handshake version %d (want %d)", h.Version, HandshakeVersion)
	}
	if h.Network != "unix" && h.Network != "tcp" {
		return Handshake{}, fmt.Errorf("unsupported network %q (want unix or tcp)", h.Network)
	}
	return h, nil
}

func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func ReadMessage(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", size, MaxMessageSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return json.Unmarshal(body, v)
}
