package receiver

import (
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-ready/address"
)

// Envelope is the transport's delivery unit: an opaque ciphertext plus
// routing metadata. The source address may be absent for envelope types that
// hide the sender until decryption.
type Envelope struct {
	ServerGUID       string            `json:"server_guid"`
	Type             int               `json:"type"`
	DestinationID    address.ServiceID `json:"destination_id"`
	SourceIdentifier address.ServiceID `json:"source_identifier,omitempty"`
	SourceDevice     uint32            `json:"source_device,omitempty"`
	TimestampMs      uint64            `json:"timestamp_ms"`
	Content          []byte            `json:"content"`
}

func (e *Envelope) serialize() ([]byte, error) {
	return json.Marshal(e)
}

func parseEnvelope(raw []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("receiver: error parsing envelope: %w", err)
	}
	return e, nil
}

// content is the cleartext payload carried inside a decrypted envelope.
// Exactly one of the message fields is expected to be set.
type content struct {
	DataMessage    *dataMessage    `json:"data_message,omitempty"`
	SyncMessage    *syncMessage    `json:"sync_message,omitempty"`
	ReceiptMessage *receiptMessage `json:"receipt_message,omitempty"`
	TypingMessage  *typingMessage  `json:"typing_message,omitempty"`
}

type dataMessage struct {
	Body        string `json:"body"`
	TimestampMs uint64 `json:"timestamp_ms"`
}

type syncMessage struct {
	Sent *sentTranscript `json:"sent,omitempty"`
	Read []*readReceipt  `json:"read,omitempty"`
	View []*viewReceipt  `json:"view,omitempty"`
}

type sentTranscript struct {
	DestinationID address.ServiceID `json:"destination_id"`
	TimestampMs   uint64            `json:"timestamp_ms"`
	Message       *dataMessage      `json:"message"`
}

type readReceipt struct {
	SenderID    address.ServiceID `json:"sender_id"`
	TimestampMs uint64            `json:"timestamp_ms"`
}

type viewReceipt struct {
	SenderID    address.ServiceID `json:"sender_id"`
	TimestampMs uint64            `json:"timestamp_ms"`
}

type receiptMessage struct {
	Type         string   `json:"type"`
	TimestampsMs []uint64 `json:"timestamps_ms"`
}

type typingMessage struct {
	Action      string `json:"action"`
	TimestampMs uint64 `json:"timestamp_ms"`
}

func parseContent(plaintext []byte) (*content, error) {
	c := &content{}
	if err := json.Unmarshal(plaintext, c); err != nil {
		return nil, fmt.Errorf("receiver: error parsing content: %w", err)
	}
	return c, nil
}
