package bus

import (
	"time"

	"github.com/matheus3301/wpphub/internal/driver"
	"github.com/matheus3301/wpphub/internal/store"
)

// Event kinds. Subscribers filter by prefix, so "wa." receives every outward event.
const (
	KindStatus      = "wa.status"
	KindQR          = "wa.qr"
	KindMessage     = "wa.message"
	KindChatUpdated = "wa.chat_updated"

	// KindDriverMessage carries raw inbound messages to the ingest pipeline.
	KindDriverMessage = "driver.message"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind       string    `json:"type"`
	InstanceID string    `json:"instanceId"`
	Timestamp  time.Time `json:"ts"`
	Payload    Payload   `json:"payload"`
}

// Payload is one of Status, QR, Message, ChatUpdated or DriverMessage.
type Payload interface {
	busPayload()
}

// Status reports a lifecycle transition.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// QR carries a pairing code and its rendered PNG as a data URI.
type QR struct {
	QR    string `json:"qr"`
	Image string `json:"image,omitempty"`
}

// Message is a stored message enriched for clients.
type Message struct {
	store.Message
	Author    string `json:"author,omitempty"`
	HasMedia  bool   `json:"hasMedia"`
	MediaType string `json:"mediaType,omitempty"`
}

// ChatUpdated carries the merged view of one chat.
type ChatUpdated struct {
	ChatID string            `json:"chatId"`
	Chat   store.ChatSummary `json:"chat"`
}

// DriverMessage is a raw inbound message, before persistence.
type DriverMessage struct {
	Message driver.Message `json:"message"`
}

func (Status) busPayload()        {}
func (QR) busPayload()            {}
func (Message) busPayload()       {}
func (ChatUpdated) busPayload()   {}
func (DriverMessage) busPayload() {}

// Sink receives published events.
type Sink interface {
	Publish(evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f(evt).
func (f SinkFunc) Publish(evt Event) { f(evt) }

// Emit stamps and publishes an event. A nil sink discards it.
func Emit(s Sink, kind, instanceID string, p Payload) {
	if s == nil {
		return
	}
	s.Publish(Event{Kind: kind, InstanceID: instanceID, Timestamp: time.Now(), Payload: p})
}
