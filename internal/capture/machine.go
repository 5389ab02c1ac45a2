package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/face-insight/internal/imaging"
)

// State is one phase of the acquisition flow.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCaptured
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCaptured:
		return "captured"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrPermissionDenied reports that the host refused camera access.
	ErrPermissionDenied = errors.New("capture: camera permission denied")
	// ErrDeviceError reports a camera failure other than a permission refusal.
	ErrDeviceError = errors.New("capture: camera device error")
	// ErrNotStreaming reports a capture attempt outside the streaming state.
	ErrNotStreaming = errors.New("capture: no active stream")
	// ErrNoFrame reports that the stream has not produced a sized frame yet.
	ErrNoFrame = errors.New("capture: stream has no frame dimensions yet")
)

// Device is the host camera boundary. Open blocks on the permission
// negotiation and either yields a live stream or fails with
// ErrPermissionDenied / ErrDeviceError (possibly wrapped).
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is one live camera stream. It is owned exclusively by the Machine
// that opened it; nobody else may close it or extend its lifetime.
type Stream interface {
	// Frame returns the current frame as a raw encoded image value.
	Frame() (string, error)
	// Dimensions reports the active frame size. Zero until the stream has
	// produced its first frame.
	Dimensions() (width, height int)
	Close() error
}

// Machine drives camera acquisition through an explicit state machine:
//
//	idle → requesting → streaming → (captured | error)
//
// captured and error are terminal for the session; Close returns the machine
// to idle from any state. The stream handle is released exactly once on
// every path out of streaming.
type Machine struct {
	device Device
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	stream  Stream
	lastErr error
}

// NewMachine builds an idle state machine around the given camera device.
func NewMachine(device Device, logger *zap.Logger) *Machine {
	return &Machine{
		device: device,
		logger: logger.Named("capture"),
		state:  StateIdle,
	}
}

// State reports the current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the cause recorded by the most recent transition into
// the error state, or nil.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Open requests camera access and, on success, binds the resulting stream.
// Calling Open while the machine is not idle is a no-op, so at most one
// stream can exist at a time.
func (m *Machine) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.state = StateRequesting
	m.mu.Unlock()

	stream, err := m.device.Open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRequesting {
		// Closed while the permission prompt was pending. The session is
		// over; whatever the device produced is released right here.
		if stream != nil {
			m.closeStream(stream)
		}
		return nil
	}

	if err != nil {
		if stream != nil {
			m.closeStream(stream)
		}
		m.state = StateError
		m.lastErr = err
		m.logger.Warn("camera acquisition failed", zap.Error(err))
		return err
	}

	m.state = StateStreaming
	m.stream = stream
	return nil
}

// Capture reads one frame from the live stream, normalizes it, releases the
// stream synchronously, and transitions to captured. It is only valid while
// streaming and only once the stream reports non-zero frame dimensions; a
// premature call leaves the machine streaming.
func (m *Machine) Capture() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStreaming || m.stream == nil {
		return "", ErrNotStreaming
	}
	if w, h := m.stream.Dimensions(); w == 0 || h == 0 {
		return "", ErrNoFrame
	}

	raw, err := m.stream.Frame()
	if err != nil {
		m.releaseLocked()
		m.state = StateError
		m.lastErr = fmt.Errorf("%w: %v", ErrDeviceError, err)
		return "", m.lastErr
	}

	image, err := imaging.Normalize(raw)
	if err != nil {
		m.releaseLocked()
		m.state = StateError
		m.lastErr = err
		return "", err
	}

	m.releaseLocked()
	m.state = StateCaptured
	return image, nil
}

// Close releases the stream unconditionally and returns the machine to idle.
// Safe to call from any state, any number of times.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	m.state = StateIdle
	m.lastErr = nil
}

func (m *Machine) releaseLocked() {
	if m.stream == nil {
		return
	}
	m.closeStream(m.stream)
	m.stream = nil
}

func (m *Machine) closeStream(stream Stream) {
	if err := stream.Close(); err != nil {
		m.logger.Warn("stream close failed", zap.Error(err))
	}
}
