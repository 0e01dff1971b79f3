package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruteri/tee-signing-vault/bridge"
	"github.com/ruteri/tee-signing-vault/codec"
	"github.com/ruteri/tee-signing-vault/enclave"
	"github.com/ruteri/tee-signing-vault/interfaces"
)

const (
	// CBORContentType is the content type of sealed requests and responses.
	CBORContentType = codec.ContentType

	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024
)

// Submitter runs one sealed exchange through the enclave boundary.
type Submitter interface {
	Submit(ctx context.Context, sealedRequest []byte) ([]byte, error)
}

// Enclave is what the handler needs from the trusted side besides the
// boundary call.
type Enclave interface {
	Report() (*enclave.Report, error)
	Available(ctx context.Context) bool
}

// Handler serves the vault API. It only ever sees sealed bytes.
type Handler struct {
	submitter Submitter
	enclave   Enclave
	log       *slog.Logger
}

func NewHandler(submitter Submitter, enclave Enclave, log *slog.Logger) *Handler {
	return &Handler{
		submitter: submitter,
		enclave:   enclave,
		log:       log,
	}
}

// HandleVaultOperation forwards a sealed request to the enclave and returns
// the sealed response.
//
// URL format: POST /api/vault-operation
// Request body: sealed request envelope (CBOR)
// Response: sealed response envelope, Content-Type application/cbor
func (h *Handler) HandleVaultOperation(w http.ResponseWriter, r *http.Request) {
	sealedRequest, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.log.Error("Failed to read request body", "err", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(sealedRequest) == 0 {
		http.Error(w, "Empty request body", http.StatusBadRequest)
		return
	}

	sealedResponse, err := h.submitter.Submit(r.Context(), sealedRequest)
	if err != nil {
		status := statusFor(err)
		h.log.Error("Vault operation failed", "err", err, "status", status)
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", CBORContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(sealedResponse)
}

// statusFor maps a boundary error to an HTTP status.
func statusFor(err error) int {
	var statusErr *bridge.StatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.Status == interfaces.StatusInvalidParameter:
		return http.StatusBadRequest
	case errors.As(err, &statusErr):
		return http.StatusBadGateway
	case errors.Is(err, bridge.ErrBufferTooShort):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, bridge.ErrActorStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleEnclaveReport returns the enclave public key with its attestation.
//
// URL format: GET /api/enclave-report
// Response: JSON {"public_key", "attestation_type", "attestation"}
func (h *Handler) HandleEnclaveReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.enclave.Report()
	if err != nil {
		h.log.Error("Failed to create enclave report", "err", err)
		http.Error(w, "Failed to create enclave report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// Available reports whether the enclave's record store is reachable.
func (h *Handler) Available(ctx context.Context) bool {
	return h.enclave.Available(ctx)
}
