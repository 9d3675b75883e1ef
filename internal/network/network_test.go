package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-node/internal/custody"
	"guardian-node/internal/dto"
)

type fakeContributions struct {
	mu     sync.Mutex
	nonces map[string]string
}

func (f *fakeContributions) SubmitNonceCommitment(_ context.Context, sessionID, participant, commitment string) (*custody.SigningSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if participant == "mallory" {
		return nil, fmt.Errorf("%w: mallory", custody.ErrUnauthorizedParticipant)
	}
	if _, ok := f.nonces[participant]; ok {
		return nil, fmt.Errorf("%w: again", custody.ErrNonceReuseDetected)
	}
	f.nonces[participant] = commitment
	return &custody.SigningSession{ID: sessionID, Status: custody.SessionNonceCollection}, nil
}

func (f *fakeContributions) SubmitPartialSignature(_ context.Context, sessionID, _, _ string) (*custody.SigningSession, error) {
	return &custody.SigningSession{ID: sessionID, Status: custody.SessionCompleted, ArtifactID: "artifact-1"}, nil
}

func (f *fakeContributions) DeclineSession(_ context.Context, sessionID, _ string) (*custody.SigningSession, error) {
	return &custody.SigningSession{ID: sessionID, Status: custody.SessionPending}, nil
}

func (f *fakeContributions) ProvideShare(_ context.Context, requestID, _ string, indices []int) (*custody.ReconstructionRequest, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: nothing", custody.ErrInsufficientShares)
	}
	return &custody.ReconstructionRequest{ID: requestID, Status: custody.RequestThresholdMet}, nil
}

type recordingInbox struct {
	mu       sync.Mutex
	messages []*WireMessage
}

func (r *recordingInbox) Receive(_ context.Context, msg *WireMessage) *Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	if msg.MessageType == PublishArtifact {
		var a dto.SignedArtifact
		if err := msg.Decode(&a); err != nil {
			return &Reply{Error: err.Error()}
		}
		return &Reply{OK: true, ArtifactID: "relay-" + a.ID}
	}
	return &Reply{OK: true}
}

func serve(t *testing.T, c Contributions, inbox Inbox) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(c, inbox).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String()
}

func TestServer_DispatchesContributions(t *testing.T) {
	addr := serve(t, &fakeContributions{nonces: map[string]string{}}, nil)
	tr := NewTCPTransport("node-1", NewRegistry(nil))
	ctx := context.Background()

	msg, err := NewMessage(NonceCommitment, "alice", "s1", NonceCommitmentPayload{Commitment: "02aa"})
	require.NoError(t, err)
	reply, err := tr.Send(ctx, addr, msg)
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, string(custody.SessionNonceCollection), reply.Status)

	reply, err = tr.Send(ctx, addr, msg)
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Equal(t, "NonceReuseDetected", reply.Kind)

	msg, err = NewMessage(NonceCommitment, "mallory", "s1", NonceCommitmentPayload{Commitment: "02bb"})
	require.NoError(t, err)
	reply, err = tr.Send(ctx, addr, msg)
	require.NoError(t, err)
	assert.Equal(t, "UnauthorizedParticipant", reply.Kind)

	msg, err = NewMessage(PartialSignature, "alice", "s1", PartialSignaturePayload{Signature: "01"})
	require.NoError(t, err)
	reply, err = tr.Send(ctx, addr, msg)
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, "artifact-1", reply.ArtifactID)

	msg, err = NewMessage(ShareResponse, "bob", "r1", ShareResponsePayload{ShareIndices: []int{2}})
	require.NoError(t, err)
	reply, err = tr.Send(ctx, addr, msg)
	require.NoError(t, err)
	assert.Equal(t, string(custody.RequestThresholdMet), reply.Status)

	reply, err = tr.Send(ctx, addr, &WireMessage{MessageType: DeclineSigning, From: "carol"})
	require.NoError(t, err)
	assert.Equal(t, "InvalidConfiguration", reply.Kind)

	reply, err = tr.Send(ctx, addr, &WireMessage{MessageType: "Bogus", From: "carol", SubjectID: "s1"})
	require.NoError(t, err)
	assert.False(t, reply.OK)

	reply, err = tr.Send(ctx, addr, &WireMessage{MessageType: DirectNotification, From: "node-2"})
	require.NoError(t, err)
	assert.Equal(t, "InvalidState", reply.Kind)
}

func TestTransport_NotifyAndPublish(t *testing.T) {
	inbox := &recordingInbox{}
	addr := serve(t, nil, inbox)
	reg := NewRegistry(map[string]string{"alice": addr})
	reg.RegisterGroup(&custody.Group{Guardians: []custody.Guardian{{ID: "alice", Endpoint: "ignored:1"}, {ID: "bob", Endpoint: addr}}})
	got, ok := reg.Get("alice")
	require.True(t, ok)
	assert.Equal(t, addr, got)

	tr := NewTCPTransport("node-1", reg)
	ctx := context.Background()

	require.NoError(t, tr.SendDirectNotification(ctx, "bob", map[string]string{"severity": "warning"}))
	assert.Error(t, tr.SendDirectNotification(ctx, "carol", "hello"))

	id, err := tr.Publish(ctx, &dto.SignedArtifact{ID: "abcd", SessionID: "s1", Signature: "00"}, []string{"127.0.0.1:1", addr})
	require.NoError(t, err)
	assert.Equal(t, "relay-abcd", id)

	_, err = tr.Publish(ctx, &dto.SignedArtifact{ID: "abcd"}, []string{"127.0.0.1:1"})
	assert.Error(t, err)

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	require.Len(t, inbox.messages, 2)
	var n DirectNotificationPayload
	require.NoError(t, inbox.messages[0].Decode(&n))
	assert.Equal(t, "bob", n.Recipient)
	var body map[string]string
	require.NoError(t, json.Unmarshal(n.Body, &body))
	assert.Equal(t, "warning", body["severity"])
	assert.Equal(t, "node-1", inbox.messages[1].From)
}
