package enclave

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-signing-vault/codec"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/interfaces"
	"github.com/ruteri/tee-signing-vault/metrics"
	"github.com/ruteri/tee-signing-vault/signer"
	"github.com/ruteri/tee-signing-vault/vault"
)

// Stage names a step of the sealed exchange.
type Stage string

const (
	StageDecodeEnvelope Stage = "decode_envelope"
	StageUnseal         Stage = "unseal"
	StageDecodeRequest  Stage = "decode_request"
	StageDispatch       Stage = "dispatch"
	StageEncodeResponse Stage = "encode_response"
	StageSealResponse   Stage = "seal_response"
	StageEncodeEnvelope Stage = "encode_envelope"
)

// ExchangeError reports a sealed exchange that aborted before producing a
// response. Dump holds base64 of the offending bytes when they are sealed
// and safe to show.
type ExchangeError struct {
	Stage Stage
	Err   error
	Dump  string
}

func (e *ExchangeError) Error() string {
	if e.Dump != "" {
		return fmt.Sprintf("exchange failed at %s: %v (input: %s)", e.Stage, e.Err, e.Dump)
	}
	return fmt.Sprintf("exchange failed at %s: %v", e.Stage, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Config holds everything an enclave is started with. It does not change
// for the life of the process.
type Config struct {
	KMS     interfaces.EnclaveKMS
	Backend interfaces.KVBackend

	// IdentityChain derives vault ids; Chains get an account in every vault.
	// Both default to ethereum and every supported chain.
	IdentityChain signer.Chain
	Chains        []signer.Chain

	Attestation cryptoutils.AttestationProvider
	Log         *slog.Logger
}

// Enclave is the trusted side of the vault. All calls into it are
// serialized.
type Enclave struct {
	mu sync.Mutex

	kms         interfaces.EnclaveKMS
	store       *vault.Store
	dispatcher  *vault.Dispatcher
	attestation cryptoutils.AttestationProvider
	log         *slog.Logger

	// response parked by VaultOperation after a too-short output buffer
	stash *stashedResponse
}

type stashedResponse struct {
	requestDigest [32]byte
	response      []byte
}

// New builds an enclave over cfg.
func New(cfg Config) (*Enclave, error) {
	if cfg.KMS == nil || cfg.Backend == nil {
		return nil, errors.New("enclave needs a KMS and a storage backend")
	}
	if cfg.IdentityChain == "" {
		cfg.IdentityChain = signer.ChainEthereum
	}
	if cfg.Attestation == nil {
		cfg.Attestation = cryptoutils.DummyAttestationProvider{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	cipher, err := cryptoutils.NewRecordCipher(cfg.KMS.StoreKey())
	if err != nil {
		return nil, err
	}
	store, err := vault.NewStore(cfg.Backend, cipher, cfg.IdentityChain, cfg.Log)
	if err != nil {
		return nil, err
	}
	dispatcher, err := vault.NewDispatcher(store, cfg.Chains, cfg.Log)
	if err != nil {
		return nil, err
	}

	return &Enclave{
		kms:         cfg.KMS,
		store:       store,
		dispatcher:  dispatcher,
		attestation: cfg.Attestation,
		log:         cfg.Log.With("component", "enclave"),
	}, nil
}

// Exchange runs one sealed request to completion and returns the sealed
// response. Failures are *ExchangeError.
func (e *Enclave) Exchange(ctx context.Context, sealedRequest []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exchange(ctx, sealedRequest)
}

func (e *Enclave) exchange(ctx context.Context, sealedRequest []byte) (sealedResponse []byte, err error) {
	stage := StageDecodeEnvelope
	fail := func(cause error, dump []byte) error {
		metrics.ExchangeFailures.WithLabelValues(string(stage)).Inc()
		exchangeErr := &ExchangeError{Stage: stage, Err: cause}
		if len(dump) > 0 {
			exchangeErr.Dump = base64.StdEncoding.EncodeToString(dump)
		}
		return exchangeErr
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("recovered panic in sealed exchange", "stage", stage)
			sealedResponse, err = nil, fail(fmt.Errorf("panic: %v", r), nil)
		}
	}()

	env, err := cryptoutils.DecodeEnvelope(sealedRequest)
	if err != nil {
		return nil, fail(err, sealedRequest)
	}

	stage = StageUnseal
	publicKey, privateKey := e.kms.EnclaveKeyPair()
	plaintext, err := cryptoutils.Unseal(env, privateKey)
	if err != nil {
		return nil, fail(err, sealedRequest)
	}
	defer plaintext.Close()

	stage = StageDecodeRequest
	var req vault.VaultRequest
	defer req.Wipe()
	if err := codec.Unmarshal(plaintext.Bytes(), &req); err != nil {
		return nil, fail(err, nil)
	}

	stage = StageDispatch
	resp, err := e.dispatcher.Dispatch(ctx, &req)
	if err != nil {
		return nil, fail(err, nil)
	}

	stage = StageEncodeResponse
	payload, err := codec.Marshal(resp)
	if err != nil {
		return nil, fail(err, nil)
	}
	defer cryptoutils.Wipe(payload)

	stage = StageSealResponse
	sealed, err := cryptoutils.Seal(payload, &env.SenderPublicKey, cryptoutils.BoxKeyPair{
		Public:  publicKey,
		Private: privateKey,
	})
	if err != nil {
		return nil, fail(err, nil)
	}

	stage = StageEncodeEnvelope
	out, err := sealed.Encode()
	if err != nil {
		return nil, fail(err, nil)
	}
	return out, nil
}

// VaultOperation is the boundary entry point. It writes the sealed response
// for in to out and returns its length.
//
// If out is too small the response is parked and StatusBufferTooShort is
// returned; calling again with the same request bytes returns the parked
// response without running the request a second time. Any other request
// discards it.
func (e *Enclave) VaultOperation(in []byte, out []byte) (int, interfaces.Status) {
	if len(in) == 0 {
		return 0, interfaces.StatusInvalidParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	digest := sha256.Sum256(in)
	var response []byte
	if e.stash != nil && e.stash.requestDigest == digest {
		response = e.stash.response
	} else {
		e.stash = nil
		var err error
		response, err = e.exchange(context.Background(), in)
		if err != nil {
			e.log.Warn("sealed exchange failed", "err", err)
			return 0, interfaces.StatusExchangeFailed
		}
	}

	if len(response) > len(out) {
		e.stash = &stashedResponse{requestDigest: digest, response: response}
		return 0, interfaces.StatusBufferTooShort
	}
	e.stash = nil
	return copy(out, response), interfaces.StatusSuccess
}

// Report binds the enclave's public key to an attestation.
type Report struct {
	PublicKey       string `json:"public_key"`
	AttestationType string `json:"attestation_type"`
	Attestation     []byte `json:"attestation"`
}

// Report attests the enclave public key.
func (e *Enclave) Report() (*Report, error) {
	publicKey, _ := e.kms.EnclaveKeyPair()
	attestation, err := e.attestation.Attest(cryptoutils.EnclaveReportData(publicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to attest enclave key: %w", err)
	}
	return &Report{
		PublicKey:       hex.EncodeToString(publicKey[:]),
		AttestationType: e.attestation.AttestationType().String(),
		Attestation:     attestation,
	}, nil
}

// PublicKey is the key callers seal requests to.
func (e *Enclave) PublicKey() [32]byte {
	publicKey, _ := e.kms.EnclaveKeyPair()
	return *publicKey
}

// Available reports whether the record store is reachable.
func (e *Enclave) Available(ctx context.Context) bool {
	return e.store.Available(ctx)
}
