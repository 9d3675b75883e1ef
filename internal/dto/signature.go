package dto

import "guardian-node/internal/custody"

// SignedArtifact is what a completed signing session publishes. ID is the message digest in
// hex, PublicKey the x-only group key and Signature the 64 byte BIP340 encoding of (R, s).
type SignedArtifact struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
	Kind      string `json:"kind"`
	PublicKey string `json:"publicKey"`
	Payload   []byte `json:"payload,omitempty"`
	Signature string `json:"signature"`
}

// SignatureResponsePayload is the payload for a SignatureResponse message.
// It is also used to pass the final result back to the API handler.
type SignatureResponsePayload struct {
	SessionID string                  `json:"sessionId"`
	Status    custody.SessionStatus   `json:"status"`
	Signature *custody.FinalSignature `json:"signature,omitempty"`
	Valid     bool                    `json:"valid"`
	Artifact  string                  `json:"artifactId,omitempty"`
	Error     string                  `json:"error,omitempty"`
}
