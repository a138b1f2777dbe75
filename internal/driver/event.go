package driver

// Event is one of QR, Authenticated, Ready, Disconnected, AuthFailure or Inbound.
type Event interface {
	driverEvent()
}

// QR carries a pairing code.
type QR struct {
	Code string
}

// Authenticated means credentials were accepted.
type Authenticated struct{}

// Ready means the session is usable.
type Ready struct{}

// Disconnected means the session was lost.
type Disconnected struct {
	Reason string
}

// AuthFailure is an unrecoverable authentication failure.
type AuthFailure struct {
	Message string
}

// Inbound is a message received on the channel.
type Inbound struct {
	Message Message
}

func (QR) driverEvent()            {}
func (Authenticated) driverEvent() {}
func (Ready) driverEvent()         {}
func (Disconnected) driverEvent()  {}
func (AuthFailure) driverEvent()   {}
func (Inbound) driverEvent()       {}
