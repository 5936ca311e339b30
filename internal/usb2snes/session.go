// Package usb2snes implements the client side of the usb2snes console-memory
// protocol: a websocket request/response protocol that exposes read access
// to a running console's memory space.
//
// A Session owns one transport. It never reconnects on its own; any I/O
// failure moves it to Disconnected and is surfaced to the caller, which
// decides the retry policy.
package usb2snes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnection indicates the endpoint was unreachable or rejected the
// attach handshake.
var ErrConnection = errors.New("connection failed")

// ErrReadTimeout indicates no response arrived within the read deadline.
var ErrReadTimeout = errors.New("read timed out")

// ErrDisconnected indicates the transport was lost, or a read was issued on
// a session that is no longer connected.
var ErrDisconnected = errors.New("disconnected")

// Status is the session's transport state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

const space = "SNES"

// DefaultReadTimeout bounds how long a read waits for its response frames.
const DefaultReadTimeout = 2 * time.Second

type request struct {
	Opcode   string   `json:"Opcode"`
	Space    string   `json:"Space"`
	Operands []string `json:"Operands,omitempty"`
}

type reply struct {
	Results []string `json:"Results"`
}

// Config describes how to reach the usb2snes service.
type Config struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080.
	URL string
	// ReadTimeout bounds each read request. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration
}

// Session is a connected usb2snes client attached to one device. Reads are
// issued one at a time; a Session is not safe for concurrent use.
type Session struct {
	conn        *websocket.Conn
	device      string
	readTimeout time.Duration

	mu     sync.Mutex
	status Status
}

// Connect dials the endpoint, lists the available devices, and attaches to
// the first one. Failures wrap ErrConnection.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: endpoint URL is required", ErrConnection)
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, cfg.URL, err)
	}

	s := &Session{conn: conn, readTimeout: timeout, status: Connecting}

	devices, err := s.deviceList()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: list devices: %v", ErrConnection, err)
	}
	if len(devices) == 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: no devices available", ErrConnection)
	}

	if err := s.attach(devices[0]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: attach %s: %v", ErrConnection, devices[0], err)
	}

	s.mu.Lock()
	s.status = Connected
	s.mu.Unlock()
	return s, nil
}

func (s *Session) deviceList() ([]string, error) {
	if err := s.conn.WriteJSON(request{Opcode: "DeviceList", Space: space}); err != nil {
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	var r reply
	if err := s.conn.ReadJSON(&r); err != nil {
		return nil, err
	}
	return r.Results, nil
}

func (s *Session) attach(device string) error {
	// Attach has no reply frame; the next read surfaces any failure.
	if err := s.conn.WriteJSON(request{Opcode: "Attach", Space: space, Operands: []string{device}}); err != nil {
		return err
	}
	s.device = device
	return nil
}

// Device returns the name of the attached device.
func (s *Session) Device() string {
	return s.device
}

// Status returns the session's transport state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ReadMem reads length bytes of console memory starting at address. The
// response may span several binary frames; ReadMem reassembles them. On
// timeout it fails with ErrReadTimeout, on transport loss with
// ErrDisconnected; either way the session is Disconnected afterwards, since
// an interrupted response leaves the stream unusable.
func (s *Session) ReadMem(ctx context.Context, address uint32, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("read %#x: length must be positive", address)
	}
	if s.Status() != Connected {
		return nil, fmt.Errorf("read %#x: %w", address, ErrDisconnected)
	}

	deadline := time.Now().Add(s.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := request{
		Opcode:   "GetAddress",
		Space:    space,
		Operands: []string{fmt.Sprintf("%X", address), fmt.Sprintf("%X", length)},
	}
	if err := s.conn.WriteJSON(req); err != nil {
		return nil, s.fail(address, err)
	}

	buf := make([]byte, 0, length)
	s.conn.SetReadDeadline(deadline)
	for len(buf) < length {
		if err := ctx.Err(); err != nil {
			s.markDisconnected()
			return nil, fmt.Errorf("read %#x: %w", address, err)
		}
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			return nil, s.fail(address, err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		buf = append(buf, payload...)
	}
	if len(buf) > length {
		buf = buf[:length]
	}
	return buf, nil
}

// fail records the transport loss and maps the error to the taxonomy.
func (s *Session) fail(address uint32, err error) error {
	s.markDisconnected()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("read %#x: %w", address, ErrReadTimeout)
	}
	return fmt.Errorf("read %#x: %w: %v", address, ErrDisconnected, err)
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Disconnected {
		s.status = Disconnected
		s.conn.Close()
	}
}

// Close releases the transport. It is idempotent.
func (s *Session) Close() error {
	s.markDisconnected()
	return nil
}
