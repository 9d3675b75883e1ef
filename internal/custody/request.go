package custody

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reason records why a reconstruction was requested.
type Reason string

const (
	ReasonRotation    Reason = "rotation"
	ReasonRecovery    Reason = "recovery"
	ReasonInheritance Reason = "inheritance"
	ReasonEmergency   Reason = "emergency"
	ReasonSigning     Reason = "signing"
)

func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	switch r {
	case ReasonRotation, ReasonRecovery, ReasonInheritance, ReasonEmergency, ReasonSigning:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown reconstruction reason %q", ErrInvalidConfiguration, s)
}

// RequestStatus is the lifecycle phase of a ReconstructionRequest.
type RequestStatus string

const (
	RequestPending      RequestStatus = "pending"
	RequestThresholdMet RequestStatus = "threshold_met"
	RequestCompleted    RequestStatus = "completed"
	RequestFailed       RequestStatus = "failed"
	RequestExpired      RequestStatus = "expired"
)

func ParseRequestStatus(s string) (RequestStatus, error) {
	st := RequestStatus(s)
	switch st {
	case RequestPending, RequestThresholdMet, RequestCompleted, RequestFailed, RequestExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown request status %q", s)
}

func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestExpired
}

// CanAdvanceTo reports whether moving from s to next keeps the status moving forward.
func (s RequestStatus) CanAdvanceTo(next RequestStatus) bool {
	switch s {
	case RequestPending:
		return next == RequestThresholdMet || next == RequestFailed || next == RequestExpired
	case RequestThresholdMet:
		return next == RequestCompleted || next == RequestFailed || next == RequestExpired
	}
	return false
}

func (s *RequestStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseRequestStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// GuardianResponse is one entry of the append-only response log.
type GuardianResponse struct {
	GuardianID    string    `json:"guardian_id"`
	ProvidedShare bool      `json:"provided_share"`
	ShareIndices  []int     `json:"share_indices,omitempty"`
	RespondedAt   time.Time `json:"responded_at"`
}

// ReconstructionRequest is one in-flight fallback reconstruction.
type ReconstructionRequest struct {
	ID                string             `json:"id"`
	GroupID           string             `json:"group_id"`
	KeyID             string             `json:"key_id"`
	RequestedBy       string             `json:"requested_by"`
	Reason            Reason             `json:"reason"`
	Responses         []GuardianResponse `json:"responses"`
	RequiredThreshold int                `json:"required_threshold"`
	Status            RequestStatus      `json:"status"`
	Error             string             `json:"error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	ExpiresAt         time.Time          `json:"expires_at"`
	Revision          uint64             `json:"revision"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// HasResponded reports whether guardian already appears in the response log.
func (r *ReconstructionRequest) HasResponded(guardian string) bool {
	for _, resp := range r.Responses {
		if resp.GuardianID == guardian {
			return true
		}
	}
	return false
}

// SupplierCount is the number of guardians that supplied at least one share.
func (r *ReconstructionRequest) SupplierCount() int {
	n := 0
	for _, resp := range r.Responses {
		if resp.ProvidedShare {
			n++
		}
	}
	return n
}

func (r *ReconstructionRequest) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *ReconstructionRequest) Clone() *ReconstructionRequest {
	c := *r
	c.Responses = make([]GuardianResponse, len(r.Responses))
	for i, resp := range r.Responses {
		resp.ShareIndices = append([]int(nil), resp.ShareIndices...)
		c.Responses[i] = resp
	}
	return &c
}
