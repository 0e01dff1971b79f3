package httpserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/tee-signing-vault/bridge"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/enclave"
	"github.com/ruteri/tee-signing-vault/interfaces"
	"github.com/ruteri/tee-signing-vault/kms"
	"github.com/ruteri/tee-signing-vault/storage"
	"github.com/ruteri/tee-signing-vault/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, sealedRequest []byte) ([]byte, error) {
	args := m.Called(sealedRequest)
	resp, _ := args.Get(0).([]byte)
	return resp, args.Error(1)
}

func newTestEnclave(t *testing.T) *enclave.Enclave {
	t.Helper()
	k, err := kms.NewSimpleKMS(bytes.Repeat([]byte{1}, kms.MasterSeedSize))
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	enc, err := enclave.New(enclave.Config{
		KMS:     k,
		Backend: storage.NewMemoryBackend(),
		Log:     discardLogger(),
	})
	require.NoError(t, err)
	return enc
}

func newTestServer(t *testing.T, handler *Handler) (*Server, *httptest.Server) {
	t.Helper()
	server, err := New(&HTTPServerConfig{
		Log:                      discardLogger(),
		GracefulShutdownDuration: time.Second,
	}, handler)
	require.NoError(t, err)

	ts := httptest.NewServer(server.srv.Handler)
	t.Cleanup(ts.Close)
	return server, ts
}

func TestHandleVaultOperation_RoundTrip(t *testing.T) {
	enc := newTestEnclave(t)
	actor := bridge.NewActor(enc, nil, discardLogger())
	defer actor.Stop()
	_, ts := newTestServer(t, NewHandler(actor, enc, discardLogger()))

	client, err := cryptoutils.GenerateBoxKeyPair()
	require.NoError(t, err)
	enclavePub := enc.PublicKey()
	sealed, err := cryptoutils.SealCBOR(&vault.VaultRequest{
		CreateVault: &vault.CreateVault{OwnerName: "alice", AuthSecret: []byte("1234")},
	}, &enclavePub, client)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/vault-operation", CBORContentType, bytes.NewReader(sealed))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CBORContentType, resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var vaultResp vault.VaultResponse
	_, err = cryptoutils.UnsealCBOR(body, client.Private, &vaultResp)
	require.NoError(t, err)
	require.NotNil(t, vaultResp.CreateVault)
	assert.Equal(t, vault.StatusCreated, vaultResp.CreateVault.Status)
}

func TestHandleVaultOperation_GarbageIsServerError(t *testing.T) {
	enc := newTestEnclave(t)
	actor := bridge.NewActor(enc, nil, discardLogger())
	defer actor.Stop()
	_, ts := newTestServer(t, NewHandler(actor, enc, discardLogger()))

	resp, err := http.Post(ts.URL+"/api/vault-operation", CBORContentType, bytes.NewReader([]byte("garbage")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "exchange failed")
}

func TestHandleVaultOperation_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{"exchange failed", &bridge.StatusError{Status: interfaces.StatusExchangeFailed}, http.StatusBadGateway},
		{"invalid parameter", &bridge.StatusError{Status: interfaces.StatusInvalidParameter}, http.StatusBadRequest},
		{"ladder exhausted", bridge.ErrBufferTooShort, http.StatusInsufficientStorage},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
		{"actor stopped", bridge.ErrActorStopped, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			submitter := new(mockSubmitter)
			submitter.On("Submit", []byte("sealed")).Return(nil, tc.err)
			handler := NewHandler(submitter, newTestEnclave(t), discardLogger())

			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/api/vault-operation", bytes.NewReader([]byte("sealed")))
			handler.HandleVaultOperation(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.err.Error())
			submitter.AssertExpectations(t)
		})
	}
}

func TestHandleVaultOperation_EmptyBody(t *testing.T) {
	submitter := new(mockSubmitter)
	handler := NewHandler(submitter, newTestEnclave(t), discardLogger())

	rec := httptest.NewRecorder()
	handler.HandleVaultOperation(rec, httptest.NewRequest("POST", "/api/vault-operation", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	submitter.AssertNotCalled(t, "Submit", mock.Anything)
}

func TestHandleEnclaveReport(t *testing.T) {
	enc := newTestEnclave(t)
	_, ts := newTestServer(t, NewHandler(new(mockSubmitter), enc, discardLogger()))

	resp, err := http.Get(ts.URL + "/api/enclave-report")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report enclave.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	pub := enc.PublicKey()
	assert.Equal(t, hex.EncodeToString(pub[:]), report.PublicKey)
	assert.Equal(t, cryptoutils.DummyAttestation.String(), report.AttestationType)
	assert.NotEmpty(t, report.Attestation)
}

func TestServer_VaultRoutesWaitForBootstrap(t *testing.T) {
	server, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/enclave-report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	server.SetHandler(NewHandler(new(mockSubmitter), newTestEnclave(t), discardLogger()))

	resp, err = http.Get(ts.URL + "/api/enclave-report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_DrainUndrain(t *testing.T) {
	_, ts := newTestServer(t, NewHandler(new(mockSubmitter), newTestEnclave(t), discardLogger()))

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := get("/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"alive"}`, body)

	_, body = get("/drain")
	assert.JSONEq(t, `{"status":"draining"}`, body)
	_, body = get("/drain")
	assert.JSONEq(t, `{"status":"already draining"}`, body)

	status, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	_, body = get("/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, body)
	status, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_MountsAdmin(t *testing.T) {
	_, adminPubKeys := generateAdminKeyPairs(t, 2)
	server, err := New(&HTTPServerConfig{
		Log:   discardLogger(),
		Admin: NewAdminHandler(discardLogger(), adminPubKeys),
	}, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(server.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/admin/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
