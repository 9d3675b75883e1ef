package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"guardian-node/internal/dto"
	"guardian-node/internal/logger"
)

// Transport sends guardian frames.
type Transport interface {
	Send(ctx context.Context, addr string, msg *WireMessage) (*Reply, error)
}

// TCPTransport sends one frame per connection and waits for the reply frame.
type TCPTransport struct {
	nodeID      string
	registry    *Registry
	dialTimeout time.Duration
}

// NewTCPTransport creates a transport that signs its frames as nodeID.
func NewTCPTransport(nodeID string, registry *Registry) *TCPTransport {
	return &TCPTransport{
		nodeID:      nodeID,
		registry:    registry,
		dialTimeout: 2 * time.Second,
	}
}

// Send writes msg to addr and returns the receiver's reply.
func (t *TCPTransport) Send(ctx context.Context, addr string, msg *WireMessage) (*Reply, error) {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to encode and send message to %s: %v", addr, err)
	}
	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to read reply from %s: %v", addr, err)
	}
	return &reply, nil
}

// SendDirectNotification delivers body to the recipient guardian. Delivery is attempted
// once; the caller decides whether a failure matters.
func (t *TCPTransport) SendDirectNotification(ctx context.Context, recipient string, body interface{}) error {
	addr, ok := t.registry.Get(recipient)
	if !ok {
		return fmt.Errorf("no address found for guardian %s", recipient)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %v", err)
	}
	msg, err := NewMessage(DirectNotification, t.nodeID, "", DirectNotificationPayload{Recipient: recipient, Body: raw})
	if err != nil {
		return err
	}
	reply, err := t.Send(ctx, addr, msg)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("guardian %s rejected notification: %s", recipient, reply.Error)
	}
	return nil
}

// Publish sends the artifact to every endpoint. It succeeds when at least one endpoint
// accepts it and returns the id that endpoint reported.
func (t *TCPTransport) Publish(ctx context.Context, artifact *dto.SignedArtifact, endpoints []string) (string, error) {
	if len(endpoints) == 0 {
		return "", errors.New("no publication endpoints")
	}
	msg, err := NewMessage(PublishArtifact, t.nodeID, artifact.SessionID, artifact)
	if err != nil {
		return "", err
	}
	var errs []error
	artifactID := ""
	for _, addr := range endpoints {
		reply, err := t.Send(ctx, addr, msg)
		if err == nil && !reply.OK {
			err = fmt.Errorf("endpoint %s rejected artifact: %s", addr, reply.Error)
		}
		if err != nil {
			logger.Log.Errorf("[TCPTransport] Failed to publish artifact %s to %s: %v", artifact.ID, addr, err)
			errs = append(errs, err)
			continue
		}
		logger.Log.Infof("[TCPTransport] Published artifact %s to %s", artifact.ID, addr)
		if artifactID == "" {
			artifactID = reply.ArtifactID
		}
	}
	if len(errs) == len(endpoints) {
		return "", errors.Join(errs...)
	}
	if artifactID == "" {
		artifactID = artifact.ID
	}
	return artifactID, nil
}
