package status

import (
	"encoding/base64"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// State represents an instance lifecycle state.
type State string

const (
	Idle          State = "idle"
	Connecting    State = "connecting"
	QR            State = "qr"
	Authenticated State = "authenticated"
	Ready         State = "ready"
	Disconnected  State = "disconnected"
	Error         State = "error"
)

// validTransitions defines allowed state transitions. QR and Connecting may
// repeat: a new pairing code or a restart re-enters the same state.
var validTransitions = map[State][]State{
	Idle:          {Connecting, Error},
	Connecting:    {Connecting, QR, Authenticated, Ready, Disconnected, Error},
	QR:            {QR, Connecting, Authenticated, Ready, Disconnected, Error},
	Authenticated: {Connecting, Ready, Disconnected, Error},
	Ready:         {Connecting, Authenticated, Disconnected, Error},
	Disconnected:  {Connecting, QR, Authenticated, Ready, Error},
	Error:         {Connecting},
}

// PersistFunc stores the new state. Failures are logged and never block emission.
type PersistFunc func(State) error

// Machine tracks and enforces one instance's lifecycle transitions.
type Machine struct {
	mu         sync.RWMutex
	current    State
	instanceID string
	sink       bus.Sink
	persist    PersistFunc
	logger     *zap.Logger
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(instanceID string, sink bus.Sink, persist PersistFunc, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		current:    Idle,
		instanceID: instanceID,
		sink:       sink,
		persist:    persist,
		logger:     logger,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetSink replaces the event sink. Used when a client re-attaches.
func (m *Machine) SetSink(s bus.Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// msg is an optional human-readable detail carried by the status event.
func (m *Machine) Transition(to State, msg string) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	sink := m.sink
	m.mu.Unlock()

	if m.persist != nil {
		if err := m.persist(to); err != nil {
			m.logger.Warn("persist status failed", zap.String("status", string(to)), zap.Error(err))
		}
	}
	bus.Emit(sink, bus.KindStatus, m.instanceID, bus.Status{Status: string(to), Message: msg})
	return nil
}

// ShowQR moves to QR and re-emits the pairing code to subscribers.
func (m *Machine) ShowQR(code string) error {
	if err := m.Transition(QR, ""); err != nil {
		return err
	}
	m.mu.RLock()
	sink := m.sink
	m.mu.RUnlock()
	image, err := DataURI(code)
	if err != nil {
		m.logger.Warn("render qr failed", zap.Error(err))
	}
	bus.Emit(sink, bus.KindQR, m.instanceID, bus.QR{QR: code, Image: image})
	return nil
}

// DataURI renders a pairing code as a PNG data URI.
func DataURI(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
