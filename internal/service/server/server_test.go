package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/cryptographic/signature"
	"e2e_crypto/internal/model"
	redisService "e2e_crypto/internal/service/redis"
)

const (
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
)

type relay struct {
	*HttpServer
	url   string
	queue *redisService.RedisService
}

func newRelay(t *testing.T) *relay {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := redisService.NewRedis(rdb, time.Hour)

	s := NewHttpServer(NewMemoryDirectory(), q)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.closeAll()
		srv.Close()
	})
	return &relay{HttpServer: s, url: srv.URL, queue: q}
}

func (r *relay) call(t *testing.T, method, path, userID, deviceID string, body, out any) int {
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, r.url+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set(HeaderUserID, userID)
	req.Header.Set(HeaderDeviceID, deviceID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (r *relay) dial(t *testing.T, userID, deviceID string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set(HeaderUserID, userID)
	header.Set(HeaderDeviceID, deviceID)
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(r.url, "http")+"/ws", header)
	if err == nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func (r *relay) connected(userID, deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mapper[connKey(userID, deviceID)]
	return ok
}

func deviceKeys(t *testing.T, userID, deviceID string) *model.DeviceKeys {
	pub, priv, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	dk := &model.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{model.AlgorithmOlm, model.AlgorithmMegolm},
		Keys: map[string]string{
			model.KeyID(model.KeyEd25519, deviceID):    model.EncodeBase64(pub),
			model.KeyID(model.KeyCurve25519, deviceID): model.EncodeBase64(bytes.Repeat([]byte{1}, 32)),
		},
	}
	sig, err := model.SignJSON(dk, priv)
	require.NoError(t, err)
	dk.Signatures = dk.Signatures.Add(userID, model.KeyID(model.KeyEd25519, deviceID), sig)
	return dk
}

func readEvents(t *testing.T, ws *websocket.Conn) []model.ToDeviceEvent {
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var events []model.ToDeviceEvent
	require.NoError(t, ws.ReadJSON(&events))
	return events
}

func TestUploadAndClaimKeys(t *testing.T) {
	r := newRelay(t)

	upload := model.KeysUploadRequest{
		DeviceKeys: deviceKeys(t, alice, "A"),
		OneTimeKeys: map[string]model.SignedKey{
			"signed_curve25519:AAAAAQ": {Key: "k1"},
			"signed_curve25519:AAAAAg": {Key: "k2"},
		},
		FallbackKeys: map[string]model.SignedKey{"signed_curve25519:AAAAAw": {Key: "fb"}},
	}
	var uploaded model.KeysUploadResponse
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/upload", alice, "A", upload, &uploaded))
	assert.Equal(t, 2, uploaded.OneTimeKeyCounts[model.KeySignedCurve25519])

	claim := model.KeysClaimRequest{OneTimeKeys: map[string]map[string]string{alice: {"A": model.KeySignedCurve25519}}}
	var claimed []string
	for i := 0; i < 3; i++ {
		var resp model.KeysClaimResponse
		require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/claim", bob, "B", claim, &resp))
		require.Len(t, resp.OneTimeKeys[alice]["A"], 1)
		for _, k := range resp.OneTimeKeys[alice]["A"] {
			claimed = append(claimed, k.Key)
		}
	}
	assert.Equal(t, []string{"k1", "k2", "fb"}, claimed)
}

func TestUploadRejectsForeignOrUnsignedKeys(t *testing.T) {
	r := newRelay(t)

	foreign := model.KeysUploadRequest{DeviceKeys: deviceKeys(t, alice, "A")}
	assert.Equal(t, http.StatusForbidden, r.call(t, http.MethodPost, "/keys/upload", alice, "OTHER", foreign, nil))

	unsigned := deviceKeys(t, alice, "A")
	unsigned.Keys[model.KeyID(model.KeyCurve25519, "A")] = model.EncodeBase64(bytes.Repeat([]byte{2}, 32))
	assert.Equal(t, http.StatusBadRequest, r.call(t, http.MethodPost, "/keys/upload", alice, "A", model.KeysUploadRequest{DeviceKeys: unsigned}, nil))

	assert.Equal(t, http.StatusBadRequest, r.call(t, http.MethodPost, "/keys/upload", "", "", foreign, nil))
}

func TestQueryKeys(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/upload", alice, "A",
		model.KeysUploadRequest{DeviceKeys: deviceKeys(t, alice, "A")}, nil))
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/upload", alice, "A2",
		model.KeysUploadRequest{DeviceKeys: deviceKeys(t, alice, "A2")}, nil))

	csk := func(usage string) *model.CrossSigningKey {
		return &model.CrossSigningKey{UserID: alice, Usage: []string{usage}, Keys: map[string]string{"ed25519:" + usage: usage}}
	}
	signing := model.UploadSigningKeysRequest{
		MasterKey:      csk(model.UsageMaster),
		SelfSigningKey: csk(model.UsageSelfSigning),
		UserSigningKey: csk(model.UsageUserSigning),
	}
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/device_signing/upload", alice, "A", signing, nil))

	query := model.KeysQueryRequest{DeviceKeys: map[string][]string{alice: nil, bob: nil}}
	var resp model.KeysQueryResponse
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/query", bob, "B", query, &resp))
	assert.Len(t, resp.DeviceKeys[alice], 2)
	assert.Empty(t, resp.DeviceKeys[bob])
	assert.Contains(t, resp.MasterKeys, alice)
	assert.Contains(t, resp.SelfSigningKeys, alice)
	assert.NotContains(t, resp.UserSigningKeys, alice)

	resp = model.KeysQueryResponse{}
	query = model.KeysQueryRequest{DeviceKeys: map[string][]string{alice: {"A2"}}}
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/query", alice, "A", query, &resp))
	assert.Len(t, resp.DeviceKeys[alice], 1)
	assert.Contains(t, resp.DeviceKeys[alice], "A2")
	assert.Contains(t, resp.UserSigningKeys, alice)

	// Signatures by the self-signing key end up on the device.
	sigs := model.Signatures{}.Add(alice, "ed25519:self_signing", "sig")
	raw, err := json.Marshal(model.DeviceKeys{Signatures: sigs})
	require.NoError(t, err)
	upload := model.SignatureUploadRequest{Signed: map[string]map[string]json.RawMessage{alice: {"A2": raw}}}
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/signatures/upload", alice, "A", upload, nil))

	keys, err := r.directory.GetKeys(ctx, alice)
	require.NoError(t, err)
	dk := keys.Devices["A2"]
	got, ok := dk.Signatures.Get(alice, "ed25519:self_signing")
	require.True(t, ok)
	assert.Equal(t, "sig", got)
	assert.NoError(t, dk.VerifySelfSignature())
}

func TestSendToOfflineDeviceIsQueuedThenForwarded(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()

	msg := model.ToDeviceRequest{}
	msg.AddMessage(bob, "B", json.RawMessage(`{"n":1}`))
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPut, "/sendToDevice/m.dummy/txn1", alice, "A", msg, nil))

	n, err := r.queue.Len(ctx, bob, "B")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ws, _, err := r.dial(t, bob, "B")
	require.NoError(t, err)
	events := readEvents(t, ws)
	require.Len(t, events, 1)
	assert.Equal(t, alice, events[0].Sender)
	assert.Equal(t, "m.dummy", events[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Content))

	n, err = r.queue.Len(ctx, bob, "B")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendToConnectedDevicesWithWildcard(t *testing.T) {
	r := newRelay(t)

	for _, d := range []string{"B1", "B2"} {
		require.Equal(t, http.StatusOK, r.call(t, http.MethodPost, "/keys/upload", bob, d,
			model.KeysUploadRequest{DeviceKeys: deviceKeys(t, bob, d)}, nil))
	}
	ws1, _, err := r.dial(t, bob, "B1")
	require.NoError(t, err)
	ws2, _, err := r.dial(t, bob, "B2")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.connected(bob, "B1") && r.connected(bob, "B2") }, 5*time.Second, 10*time.Millisecond)

	msg := model.ToDeviceRequest{}
	msg.AddMessage(bob, "*", json.RawMessage(`{"hello":true}`))
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPut, "/sendToDevice/m.test/txn2", alice, "A", msg, nil))

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		events := readEvents(t, ws)
		require.Len(t, events, 1)
		assert.Equal(t, "m.test", events[0].Type)
	}
}

func TestSecondConnectionIsRejected(t *testing.T) {
	r := newRelay(t)

	_, _, err := r.dial(t, bob, "B")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.connected(bob, "B") }, 5*time.Second, 10*time.Millisecond)

	_, resp, err := r.dial(t, bob, "B")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDisconnectedDeviceFallsBackToQueue(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()

	ws, _, err := r.dial(t, bob, "B")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.connected(bob, "B") }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return !r.connected(bob, "B") }, 5*time.Second, 10*time.Millisecond)

	msg := model.ToDeviceRequest{}
	msg.AddMessage(bob, "B", json.RawMessage(`{}`))
	require.Equal(t, http.StatusOK, r.call(t, http.MethodPut, "/sendToDevice/m.dummy/txn3", alice, "A", msg, nil))

	n, err := r.queue.Len(ctx, bob, "B")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
