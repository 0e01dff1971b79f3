package clients

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ruteri/tee-signing-vault/codec"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/enclave"
	"github.com/ruteri/tee-signing-vault/httpserver"
	"github.com/ruteri/tee-signing-vault/signer"
	"github.com/ruteri/tee-signing-vault/vault"
)

var (
	// ErrNotConnected is returned when no enclave key has been set.
	ErrNotConnected = errors.New("vault client has no enclave key, call Connect first")

	// ErrUnexpectedSender means the response was not sealed by the enclave key.
	ErrUnexpectedSender = errors.New("response not sealed by the enclave key")
)

// ReportVerifier decides whether an enclave report can be trusted.
type ReportVerifier func(report *enclave.Report, publicKey *[cryptoutils.KeySize]byte) error

// AcceptAnyReport skips attestation checks. Only for development.
func AcceptAnyReport(*enclave.Report, *[cryptoutils.KeySize]byte) error { return nil }

// VerifyDCAPReport checks a DCAP quote over the enclave key and, if
// expectedMeasurements is not empty, the listed measurement registers
// (MRTD=0, RTMR0-3=1..4, lowercase hex).
func VerifyDCAPReport(expectedMeasurements map[int]string) ReportVerifier {
	return func(report *enclave.Report, publicKey *[cryptoutils.KeySize]byte) error {
		if report.AttestationType != cryptoutils.DCAPAttestation.String() {
			return fmt.Errorf("expected %s attestation, got %q", cryptoutils.DCAPAttestation, report.AttestationType)
		}
		measurements, err := cryptoutils.VerifyDCAPAttestation(cryptoutils.EnclaveReportData(publicKey), report.Attestation)
		if err != nil {
			return err
		}
		for register, expected := range expectedMeasurements {
			if measurements[register] != expected {
				return fmt.Errorf("measurement %d mismatch: expected %s, actual %s", register, expected, measurements[register])
			}
		}
		return nil
	}
}

// VaultClient seals vault requests to the enclave key and opens the
// responses. Every request uses a fresh box keypair.
type VaultClient struct {
	baseURL    string
	httpClient *http.Client
	enclaveKey *[cryptoutils.KeySize]byte
}

func NewVaultClient(baseURL string, timeout ...time.Duration) *VaultClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &VaultClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// FetchReport retrieves the enclave report without checking it.
func (c *VaultClient) FetchReport(ctx context.Context) (*enclave.Report, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/enclave-report", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enclave report request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("enclave report request failed with code %d: %s", resp.StatusCode, string(body))
	}

	var report enclave.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to parse enclave report: %w", err)
	}
	return &report, nil
}

// Connect fetches the enclave report, checks it with verify, and pins the
// enclave key for later requests.
func (c *VaultClient) Connect(ctx context.Context, verify ReportVerifier) error {
	report, err := c.FetchReport(ctx)
	if err != nil {
		return err
	}

	keyBytes, err := hex.DecodeString(report.PublicKey)
	if err != nil || len(keyBytes) != cryptoutils.KeySize {
		return fmt.Errorf("invalid enclave public key %q", report.PublicKey)
	}
	var enclaveKey [cryptoutils.KeySize]byte
	copy(enclaveKey[:], keyBytes)

	if err := verify(report, &enclaveKey); err != nil {
		return fmt.Errorf("enclave report rejected: %w", err)
	}

	c.enclaveKey = &enclaveKey
	return nil
}

// SetEnclaveKey pins a known enclave key without fetching a report.
func (c *VaultClient) SetEnclaveKey(publicKey [cryptoutils.KeySize]byte) {
	c.enclaveKey = &publicKey
}

// Do runs one vault request.
func (c *VaultClient) Do(ctx context.Context, request *vault.VaultRequest) (*vault.VaultResponse, error) {
	if c.enclaveKey == nil {
		return nil, ErrNotConnected
	}

	ephemeral, err := cryptoutils.GenerateBoxKeyPair()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Wipe()

	sealed, err := cryptoutils.SealCBOR(request, c.enclaveKey, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("could not seal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/vault-operation", bytes.NewReader(sealed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", httpserver.CBORContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault operation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault operation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault operation failed with code %d: %s", resp.StatusCode, string(body))
	}

	response, err := c.openResponse(body, ephemeral.Private)
	if err != nil {
		return nil, err
	}

	want, _ := request.Operation()
	if got, err := response.Operation(); err != nil || got != want {
		return nil, fmt.Errorf("response does not answer %s", want)
	}
	return response, nil
}

// openResponse opens a sealed VaultResponse. Responses never carry key
// material, so the plaintext is not scrubbed.
func (c *VaultClient) openResponse(body []byte, ephemeralPrivate *[cryptoutils.KeySize]byte) (*vault.VaultResponse, error) {
	env, err := cryptoutils.DecodeEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("could not open response: %w", err)
	}
	if env.SenderPublicKey != *c.enclaveKey {
		return nil, ErrUnexpectedSender
	}

	plaintext, err := cryptoutils.UnsealNonSecret(env, ephemeralPrivate)
	if err != nil {
		return nil, fmt.Errorf("could not open response: %w", err)
	}

	var response vault.VaultResponse
	if err := codec.Unmarshal(plaintext, &response); err != nil {
		return nil, fmt.Errorf("could not decode response: %w", err)
	}
	return &response, nil
}

func (c *VaultClient) CreateVault(ctx context.Context, ownerName string, authSecret []byte, phoneNumber string) (*vault.CreateVaultResult, error) {
	resp, err := c.Do(ctx, &vault.VaultRequest{CreateVault: &vault.CreateVault{
		OwnerName:   ownerName,
		AuthSecret:  authSecret,
		PhoneNumber: phoneNumber,
	}})
	if err != nil {
		return nil, err
	}
	return resp.CreateVault, nil
}

func (c *VaultClient) OpenVault(ctx context.Context, vaultID string, authSecret []byte) (*vault.OpenVaultResult, error) {
	resp, err := c.Do(ctx, &vault.VaultRequest{OpenVault: &vault.OpenVault{
		VaultID:    vaultID,
		AuthSecret: authSecret,
	}})
	if err != nil {
		return nil, err
	}
	return resp.OpenVault, nil
}

func (c *VaultClient) SignTransaction(ctx context.Context, vaultID string, authSecret []byte, chain signer.Chain, unsigned []byte) (*vault.SignTransactionResult, error) {
	resp, err := c.Do(ctx, &vault.VaultRequest{SignTransaction: &vault.SignTransaction{
		VaultID:    vaultID,
		AuthSecret: authSecret,
		Transaction: signer.TransactionToSign{
			Chain:            chain,
			TransactionBytes: unsigned,
		},
	}})
	if err != nil {
		return nil, err
	}
	return resp.SignTransaction, nil
}

func (c *VaultClient) SaveIdentityCheck(ctx context.Context, vaultID string, authSecret []byte, check vault.IdentityCheckResult) (*vault.SaveIdentityCheckResult, error) {
	resp, err := c.Do(ctx, &vault.VaultRequest{SaveIdentityCheck: &vault.SaveIdentityCheck{
		VaultID:    vaultID,
		AuthSecret: authSecret,
		Check:      check,
	}})
	if err != nil {
		return nil, err
	}
	return resp.SaveIdentityCheck, nil
}

func (c *VaultClient) LoadIdentityCheck(ctx context.Context, vaultID string, authSecret []byte) (*vault.LoadIdentityCheckResult, error) {
	resp, err := c.Do(ctx, &vault.VaultRequest{LoadIdentityCheck: &vault.LoadIdentityCheck{
		VaultID:    vaultID,
		AuthSecret: authSecret,
	}})
	if err != nil {
		return nil, err
	}
	return resp.LoadIdentityCheck, nil
}
