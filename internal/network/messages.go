package network

import (
	"encoding/json"
	"fmt"
)

// MessageType names a guardian wire frame.
type MessageType string

const (
	// Guardian to node.
	NonceCommitment  MessageType = "NonceCommitment"
	PartialSignature MessageType = "PartialSignature"
	DeclineSigning   MessageType = "DeclineSigning"
	ShareResponse    MessageType = "ShareResponse"

	// Node to guardian or relay.
	DirectNotification MessageType = "DirectNotification"
	PublishArtifact    MessageType = "PublishArtifact"
)

// WireMessage is the single JSON frame sent on a connection. The receiver answers with one
// Reply frame on the same connection.
type WireMessage struct {
	MessageType MessageType     `json:"messageType"`
	From        string          `json:"from"`
	SubjectID   string          `json:"subjectId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type NonceCommitmentPayload struct {
	Commitment string `json:"commitment"`
}

type PartialSignaturePayload struct {
	Signature string `json:"signature"`
}

type ShareResponsePayload struct {
	ShareIndices []int `json:"shareIndices"`
}

type DirectNotificationPayload struct {
	Recipient string          `json:"recipient"`
	Body      json.RawMessage `json:"body"`
}

// Reply acknowledges a frame. Kind carries the custody error kind when OK is false.
type Reply struct {
	OK         bool   `json:"ok"`
	Kind       string `json:"kind,omitempty"`
	Error      string `json:"error,omitempty"`
	Status     string `json:"status,omitempty"`
	ArtifactID string `json:"artifactId,omitempty"`
}

// NewMessage builds a frame with payload marshalled to JSON.
func NewMessage(t MessageType, from, subjectID string, payload interface{}) (*WireMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %v", t, err)
	}
	return &WireMessage{MessageType: t, From: from, SubjectID: subjectID, Payload: raw}, nil
}

// Decode unmarshals the frame payload into v.
func (m *WireMessage) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", m.MessageType)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v", m.MessageType, err)
	}
	return nil
}
