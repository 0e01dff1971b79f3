package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/httpserver"
	"github.com/ruteri/tee-signing-vault/kms"
)

// AdminClient talks to the master seed bootstrap API. baseURL points at the
// /admin mount, e.g. "http://localhost:8080/admin".
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
}

func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    baseURL,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// AdminStatus is the bootstrap status reported by the server.
type AdminStatus struct {
	State          string `json:"state"`
	Threshold      int    `json:"threshold,omitempty"`
	TotalShares    int    `json:"total_shares,omitempty"`
	ReceivedShares int    `json:"received_shares,omitempty"`
}

// ShareAssignment records which admin holds which share.
type ShareAssignment struct {
	AdminID    string `json:"admin_id"`
	ShareIndex int    `json:"share_index"`
}

// GetStatus queries the bootstrap status. It is not authenticated.
func (c *AdminClient) GetStatus(ctx context.Context) (*AdminStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	var status AdminStatus
	if err := c.do(req, "status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// InitGenerate asks the server to generate a fresh master seed and split it.
func (c *AdminClient) InitGenerate(ctx context.Context, threshold, totalShares int) ([]ShareAssignment, error) {
	body, err := json.Marshal(map[string]int{
		"threshold":    threshold,
		"total_shares": totalShares,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := CreateSignedAdminRequest(ctx, "POST", c.baseURL+"/init/generate", body, c.adminID, c.privateKey)
	if err != nil {
		return nil, err
	}

	var result struct {
		ShareAssignments []ShareAssignment `json:"share_assignments"`
	}
	if err := c.do(req, "init generate", &result); err != nil {
		return nil, err
	}
	return result.ShareAssignments, nil
}

// InitRecover switches the server into share collection.
func (c *AdminClient) InitRecover(ctx context.Context, threshold int) error {
	body, err := json.Marshal(map[string]int{"threshold": threshold})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := CreateSignedAdminRequest(ctx, "POST", c.baseURL+"/init/recover", body, c.adminID, c.privateKey)
	if err != nil {
		return err
	}
	return c.do(req, "init recover", nil)
}

// FetchShare retrieves this admin's share and decrypts it with the admin key.
func (c *AdminClient) FetchShare(ctx context.Context) (int, []byte, error) {
	req, err := CreateSignedAdminRequest(ctx, "GET", c.baseURL+"/share", nil, c.adminID, c.privateKey)
	if err != nil {
		return 0, nil, err
	}

	var result struct {
		ShareIndex     int    `json:"share_index"`
		EncryptedShare string `json:"encrypted_share"`
	}
	if err := c.do(req, "fetch share", &result); err != nil {
		return 0, nil, err
	}

	encrypted, err := base64.StdEncoding.DecodeString(result.EncryptedShare)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid share encoding: %w", err)
	}
	share, err := cryptoutils.DecryptForAdmin(c.privateKey, encrypted)
	if err != nil {
		return 0, nil, err
	}
	return result.ShareIndex, share, nil
}

// SubmitShare signs share with the admin key and submits it during recovery.
func (c *AdminClient) SubmitShare(ctx context.Context, share []byte) error {
	signature, err := kms.SignShare(share, c.privateKey)
	if err != nil {
		return fmt.Errorf("failed to sign share: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"share":     base64.StdEncoding.EncodeToString(share),
		"signature": base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	defer cryptoutils.Wipe(body)

	req, err := CreateSignedAdminRequest(ctx, "POST", c.baseURL+"/share", body, c.adminID, c.privateKey)
	if err != nil {
		return err
	}
	return c.do(req, "submit share", nil)
}

// WaitForCompletion polls the status until bootstrap completes.
func (c *AdminClient) WaitForCompletion(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get bootstrap status: %w", err)
		}
		if status.State == httpserver.StateComplete.String() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *AdminClient) do(req *http.Request, what string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with code %d: %s", what, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", what, err)
	}
	return nil
}

// CreateSignedAdminRequest creates a request carrying the admin
// authentication headers. The signature covers the URL path followed by
// the body.
func CreateSignedAdminRequest(ctx context.Context, method, reqURL string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	signature, err := cryptoutils.SignAdminMessage(privateKey, httpserver.AdminMessage(parsedURL.Path, body))
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(httpserver.AdminIDHeader, adminID)
	req.Header.Set(httpserver.AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	return req, nil
}
