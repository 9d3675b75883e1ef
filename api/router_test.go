package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-node/api/handlers"
	"guardian-node/internal/config"
	"guardian-node/internal/curve"
	"guardian-node/internal/envelope"
	"guardian-node/internal/reconstruction"
	"guardian-node/internal/resilience"
	"guardian-node/internal/service"
	"guardian-node/internal/session"
	"guardian-node/internal/storage"
)

type inbox struct {
	mu   sync.Mutex
	sent map[string]int
}

func (i *inbox) SendDirectNotification(_ context.Context, recipient string, _ interface{}) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sent[recipient]++
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *inbox) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := storage.NewMemoryStore()
	notifier := &inbox{sent: map[string]int{}}

	master := make([]byte, envelope.MinMasterSize)
	_, err := rand.Read(master)
	require.NoError(t, err)
	keys, err := envelope.NewDerivedKeys(master)
	require.NoError(t, err)

	mgr := session.NewManager(st)
	coord := reconstruction.NewCoordinator(st, keys, config.ReconstructionConfig{
		RequestTTL:       time.Hour,
		SigningSecretTTL: time.Minute,
		DefaultSecretTTL: time.Minute,
	})
	rcfg := config.ResilienceConfig{
		Timeout:                 time.Hour,
		WarningFraction:         0.5,
		EmergencyFraction:       0.75,
		EmergencyDelay:          time.Hour,
		EmergencyWindow:         time.Hour,
		MinimumQuorum:           1,
		EnableEmergencyRecovery: true,
	}
	paths := resilience.NewPaths(st, rcfg, session.DefaultRetryPolicy, nil)
	h := &handlers.Handler{
		Store:      st,
		Signing:    service.NewSigning(mgr, notifier, nil),
		Recovery:   service.NewRecovery(coord, st, notifier),
		Paths:      paths,
		Notifier:   notifier,
		SessionTTL: time.Hour,
		Monitor: service.NewMonitor(service.MonitorParams{
			Store: st, Sessions: mgr, Coordinator: coord, Paths: paths, Notifier: notifier, Config: rcfg,
		}),
	}
	return SetupRouter(h), notifier
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]interface{}{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func putGroup(t *testing.T, r *gin.Engine) {
	t.Helper()
	groupKey, _, err := curve.DealKey(2, 3)
	require.NoError(t, err)
	w, _ := do(t, r, http.MethodPut, "/groups/family", map[string]interface{}{
		"public_key":               groupKey,
		"signing_threshold":        2,
		"reconstruction_threshold": 2,
		"guardians": []map[string]string{
			{"id": "alice", "role": "steward"},
			{"id": "bob", "role": "guardian"},
			{"id": "carol", "role": "guardian"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestPingAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)
	w, body := do(t, r, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", body["message"])

	w, _ = do(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGroups(t *testing.T) {
	r, _ := newTestRouter(t)
	w, body := do(t, r, http.MethodPut, "/groups/family", map[string]interface{}{"signing_threshold": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidConfiguration", body["kind"])

	w, _ = do(t, r, http.MethodGet, "/groups/family", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	putGroup(t, r)
	w, body = do(t, r, http.MethodGet, "/groups/family", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "family", body["groupId"])
	assert.Len(t, body["publicKeyHex"], 66)
	assert.NotNil(t, body["publicKey"])
}

func TestSessionErrorsMapToStatus(t *testing.T) {
	r, _ := newTestRouter(t)
	putGroup(t, r)
	digest := sha256.Sum256([]byte("hello"))

	w, body := do(t, r, http.MethodPost, "/sessions", map[string]interface{}{
		"groupId":      "family",
		"messageHash":  hex.EncodeToString(digest[:]),
		"participants": []string{"alice", "bob"},
		"threshold":    2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := body["id"].(string)
	assert.Equal(t, "pending", body["status"])

	nonce, err := curve.GenerateNonce()
	require.NoError(t, err)
	w, body = do(t, r, http.MethodPost, "/sessions/"+id+"/nonces", map[string]string{"participant": "carol", "value": nonce.Commitment})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "UnauthorizedParticipant", body["kind"])

	w, _ = do(t, r, http.MethodPost, "/sessions/"+id+"/partials", map[string]string{"participant": "alice", "value": "zz"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodGet, "/sessions/"+id+"/package", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(t, r, http.MethodPost, "/sessions/"+id+"/fail", map[string]string{"reason": "operator"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconstructionFlow(t *testing.T) {
	r, notifier := newTestRouter(t)
	putGroup(t, r)
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	w, body := do(t, r, http.MethodPost, "/groups/family/shares", map[string]interface{}{"keyId": "identity", "secretHex": hex.EncodeToString(secret)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, body["shares"], 3)

	w, body = do(t, r, http.MethodPost, "/reconstructions", map[string]string{
		"groupId": "family", "keyId": "identity", "requestedBy": "alice", "reason": "recovery",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := body["id"].(string)
	assert.Equal(t, 1, notifier.sent["carol"])

	for i, g := range []string{"alice", "bob"} {
		w, _ = do(t, r, http.MethodPost, "/reconstructions/"+id+"/shares", map[string]interface{}{"guardianId": g, "shareIndices": []int{i + 1}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w, body = do(t, r, http.MethodPost, "/reconstructions/"+id+"/reconstruct", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, hex.EncodeToString(secret), body["secretHex"])

	w, _ = do(t, r, http.MethodPost, "/reconstructions/"+id+"/reconstruct", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = do(t, r, http.MethodGet, "/reconstructions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["status"])
}

func TestEmergencyAndAdmin(t *testing.T) {
	r, notifier := newTestRouter(t)
	putGroup(t, r)
	w, body := do(t, r, http.MethodPost, "/groups/family/shares", map[string]interface{}{"keyId": "identity", "secretHex": "00112233445566778899aabbccddeeff"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w, body = do(t, r, http.MethodPost, "/reconstructions", map[string]string{
		"groupId": "family", "keyId": "identity", "requestedBy": "alice", "reason": "rotation",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	requestID := body["id"].(string)

	w, body = do(t, r, http.MethodPost, "/emergency", map[string]string{"subjectId": requestID, "subjectKind": "reconstruction_request"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pathID := body["id"].(string)

	w, _ = do(t, r, http.MethodPost, "/emergency", map[string]string{"subjectId": requestID, "subjectKind": "reconstruction_request"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(t, r, http.MethodPost, "/emergency/"+pathID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = do(t, r, http.MethodPost, "/emergency/"+pathID+"/cancel", map[string]string{"guardianId": "bob"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", body["status"])

	w, _ = do(t, r, http.MethodGet, "/emergency?groupId=family", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, path := range []string{"/admin/expire", "/admin/cleanup", "/admin/sweep"} {
		w, _ = do(t, r, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w, body = do(t, r, http.MethodPost, "/admin/notify", map[string]string{"type": "broadcast", "message": "rotate soon", "groupId": "family"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["successful"])
	w, _ = do(t, r, http.MethodPost, "/admin/notify", map[string]string{"type": "p2p", "message": "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 2, notifier.sent["bob"])
}
