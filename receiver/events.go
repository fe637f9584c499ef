package receiver

import (
	"sync"

	"github.com/meow-io/go-ready/address"
)

// Ack is a one-shot acknowledgment token carried by confirmable updates.
// Confirm removes the underlying cached envelope; until it is called the
// envelope stays durable and will be redelivered on the next cache pass.
type Ack struct {
	once sync.Once
	fn   func() error
}

func newAck(fn func() error) *Ack {
	return &Ack{fn: fn}
}

func (a *Ack) Confirm() error {
	var err error
	a.once.Do(func() {
		err = a.fn()
	})
	return err
}

// EnvelopeUpdate announces an envelope entering dispatch, before its content
// is classified.
type EnvelopeUpdate struct {
	OurAccountID address.ServiceID
	Source       address.ServiceID
	SourceDevice uint32
	TimestampMs  uint64
}

// MessageUpdate carries a decrypted data message.
type MessageUpdate struct {
	OurAccountID address.ServiceID
	Source       address.ServiceID
	SourceDevice uint32
	TimestampMs  uint64
	Body         string
	Ack          *Ack
}

// SentUpdate carries a sync transcript of a message sent from another of our
// own devices.
type SentUpdate struct {
	OurAccountID address.ServiceID
	Destination  address.ServiceID
	TimestampMs  uint64
	Body         string
	Ack          *Ack
}

// ReadUpdate carries a sync note that another of our devices read a message.
type ReadUpdate struct {
	OurAccountID address.ServiceID
	Sender       address.ServiceID
	TimestampMs  uint64
	Ack          *Ack
}

// ViewUpdate carries a sync note that another of our devices viewed a
// view-once message.
type ViewUpdate struct {
	OurAccountID address.ServiceID
	Sender       address.ServiceID
	TimestampMs  uint64
	Ack          *Ack
}

// DeliveryUpdate carries a delivery or read receipt from a peer.
type DeliveryUpdate struct {
	OurAccountID address.ServiceID
	Source       address.ServiceID
	SourceDevice uint32
	Type         string
	TimestampsMs []uint64
	Ack          *Ack
}

// TypingUpdate carries a typing indicator. It is not confirmable; the cached
// envelope is removed as soon as the update is emitted.
type TypingUpdate struct {
	OurAccountID address.ServiceID
	Source       address.ServiceID
	SourceDevice uint32
	Started      bool
	TimestampMs  uint64
}

// DecryptionErrorUpdate reports an envelope from a known sender that failed
// to decrypt. The application layer may use it to request a session
// resynchronization from the peer; confirming drops the envelope.
type DecryptionErrorUpdate struct {
	OurAccountID address.ServiceID
	Source       address.ServiceID
	SourceDevice uint32
	TimestampMs  uint64
	Attempts     int
	Ack          *Ack
}

// RetryRequestUpdate reports an envelope that failed to decrypt because no
// session exists for its sender, asking the application layer to have the
// peer resend with a fresh prekey message.
type RetryRequestUpdate struct {
	OurAccountID address.ServiceID
	Source       address.ServiceID
	SourceDevice uint32
	TimestampMs  uint64
	Ack          *Ack
}

// ProgressUpdate reports cache replay progress.
type ProgressUpdate struct {
	Processed int
	Total     int
}

// ErrorUpdate reports a batch-level pipeline failure. The affected envelopes
// stay cached and are retried on the next cache pass.
type ErrorUpdate struct {
	Err error
}
