package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/kms"
)

// Admin request headers. The signature covers the URL path followed by the
// request body.
const (
	AdminIDHeader        = "X-Admin-ID"
	AdminSignatureHeader = "X-Admin-Signature"
)

// BootstrapState represents the current state of the master seed bootstrap.
type BootstrapState int

const (
	// StateInitial is the initial state before any bootstrap action is taken.
	StateInitial BootstrapState = iota

	// StateGeneratingShares means a fresh master seed was generated and its
	// shares wait to be picked up by the admins.
	StateGeneratingShares

	// StateRecovering means shares of an existing master seed are being collected.
	StateRecovering

	// StateComplete means the enclave keys are available.
	StateComplete
)

func (s BootstrapState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateGeneratingShares:
		return "generating_shares"
	case StateRecovering:
		return "recovering"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// SecureShare is a master seed share encrypted for one admin.
type SecureShare struct {
	AdminID        string
	ShareIndex     int
	EncryptedShare []byte
	Retrieved      bool
}

// AdminHandler bootstraps the vault master seed from Shamir shares held by
// a fixed set of admins.
//
// A fresh vault generates a seed and hands each admin one share encrypted to
// their key; bootstrap completes once every share was retrieved. A restarted
// vault instead collects signed shares until the threshold is reached.
type AdminHandler struct {
	mu           sync.RWMutex
	log          *slog.Logger
	state        BootstrapState
	adminPubKeys map[string][]byte // admin ID -> public key PEM
	adminShares  map[string]*SecureShare
	shamirKMS    *kms.ShamirKMS
	completeChan chan struct{}

	threshold   int
	totalShares int
}

func NewAdminHandler(log *slog.Logger, adminPubKeys map[string][]byte) *AdminHandler {
	return &AdminHandler{
		log:          log.With("component", "admin"),
		state:        StateInitial,
		adminPubKeys: adminPubKeys,
		adminShares:  make(map[string]*SecureShare),
		completeChan: make(chan struct{}),
	}
}

// WaitForBootstrap blocks until the enclave keys are available or ctx is done.
func (h *AdminHandler) WaitForBootstrap(ctx context.Context) (*kms.SimpleKMS, error) {
	select {
	case <-h.completeChan:
		return h.GetKMS()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetKMS returns the enclave key material once bootstrap is complete.
func (h *AdminHandler) GetKMS() (*kms.SimpleKMS, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state != StateComplete {
		return nil, kms.ErrLocked
	}
	return h.shamirKMS.SimpleKMS()
}

// State returns the current bootstrap state.
func (h *AdminHandler) State() BootstrapState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.handleStatus)
	r.Post("/init/generate", h.handleInitGenerate)
	r.Post("/init/recover", h.handleInitRecover)
	r.Post("/share", h.handleSubmitShare)
	r.Get("/share", h.handleGetShare)

	return r
}

// handleStatus reports the bootstrap state.
//
// Endpoint: GET /admin/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := map[string]interface{}{
		"state": h.state.String(),
	}
	if h.state == StateGeneratingShares || h.state == StateRecovering {
		resp["threshold"] = h.threshold
		resp["total_shares"] = h.totalShares
	}
	if h.state == StateRecovering {
		resp["received_shares"] = h.shamirKMS.ReceivedShares()
	}
	h.mu.RUnlock()

	writeJSON(w, resp)
}

// handleInitGenerate generates a fresh master seed and encrypts one share
// of it for each admin. The shares themselves are not returned.
//
// Endpoint: POST /admin/init/generate
// Body: {"threshold": <int>, "total_shares": <int>}
func (h *AdminHandler) handleInitGenerate(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var params struct {
		Threshold   int `json:"threshold"`
		TotalShares int `json:"total_shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if params.Threshold < 2 {
		http.Error(w, "Threshold must be at least 2", http.StatusBadRequest)
		return
	}
	if params.TotalShares < params.Threshold {
		http.Error(w, "Total shares must be at least equal to threshold", http.StatusBadRequest)
		return
	}
	if len(h.adminPubKeys) < params.TotalShares {
		http.Error(w, fmt.Sprintf("Not enough admins (%d) for the requested number of shares (%d)",
			len(h.adminPubKeys), params.TotalShares), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitial {
		http.Error(w, "Bootstrap already in progress or complete", http.StatusConflict)
		return
	}

	masterSeed := make([]byte, kms.MasterSeedSize)
	if _, err := rand.Read(masterSeed); err != nil {
		h.log.Error("Failed to generate master seed", "err", err, "adminID", adminID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	shamirKMS, shares, err := kms.NewShamirKMS(masterSeed, params.Threshold, params.TotalShares)
	cryptoutils.Wipe(masterSeed)
	if err != nil {
		h.log.Error("Failed to split master seed", "err", err, "adminID", adminID)
		http.Error(w, "Failed to split master seed", http.StatusInternalServerError)
		return
	}

	adminShares := make(map[string]*SecureShare, len(shares))
	for i, targetAdminID := range sortedAdminIDs(h.adminPubKeys)[:len(shares)] {
		encryptedShare, err := cryptoutils.EncryptForAdmin(h.adminPubKeys[targetAdminID], shares[i])
		cryptoutils.Wipe(shares[i])
		if err != nil {
			h.log.Error("Failed to encrypt share", "err", err, "adminID", targetAdminID)
			http.Error(w, "Failed to encrypt shares", http.StatusInternalServerError)
			return
		}
		adminShares[targetAdminID] = &SecureShare{
			AdminID:        targetAdminID,
			ShareIndex:     i,
			EncryptedShare: encryptedShare,
		}
	}

	h.shamirKMS = shamirKMS
	h.adminShares = adminShares
	h.threshold = params.Threshold
	h.totalShares = params.TotalShares
	h.state = StateGeneratingShares

	shareAssignments := make([]map[string]interface{}, 0, len(adminShares))
	for _, targetAdminID := range sortedAdminIDs(h.adminPubKeys)[:len(shares)] {
		shareAssignments = append(shareAssignments, map[string]interface{}{
			"admin_id":    targetAdminID,
			"share_index": adminShares[targetAdminID].ShareIndex,
		})
	}

	writeJSON(w, map[string]interface{}{
		"message":           "Master seed generated and split",
		"share_assignments": shareAssignments,
		"threshold":         params.Threshold,
		"total_shares":      params.TotalShares,
		"instructions":      "Each admin must retrieve their share using GET /admin/share",
	})

	h.log.Info("Master seed generated and shares prepared for distribution", "adminID", adminID,
		"threshold", params.Threshold, "totalShares", params.TotalShares)
}

// handleGetShare returns the caller's encrypted share. Bootstrap completes
// when every share has been retrieved.
//
// Endpoint: GET /admin/share
func (h *AdminHandler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateGeneratingShares && h.state != StateComplete {
		http.Error(w, "No shares available for retrieval", http.StatusBadRequest)
		return
	}

	secureShare, exists := h.adminShares[adminID]
	if !exists {
		http.Error(w, "No share assigned to this admin", http.StatusNotFound)
		return
	}
	secureShare.Retrieved = true

	if h.state == StateGeneratingShares {
		allRetrieved := true
		for _, share := range h.adminShares {
			if !share.Retrieved {
				allRetrieved = false
				break
			}
		}
		if allRetrieved {
			h.state = StateComplete
			close(h.completeChan)
			h.log.Info("All shares have been retrieved, bootstrap complete")
		}
	}

	writeJSON(w, map[string]interface{}{
		"share_index":     secureShare.ShareIndex,
		"encrypted_share": base64.StdEncoding.EncodeToString(secureShare.EncryptedShare),
		"message":         "This share is encrypted with your public key. Decrypt it and keep it secure.",
	})

	h.log.Info("Admin retrieved their share", "adminID", adminID, "shareIndex", secureShare.ShareIndex)
}

// handleInitRecover starts collecting shares of an existing master seed.
//
// Endpoint: POST /admin/init/recover
// Body: {"threshold": <int>}
func (h *AdminHandler) handleInitRecover(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var params struct {
		Threshold int `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if params.Threshold < 2 {
		http.Error(w, "Threshold must be at least 2", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitial {
		http.Error(w, "Bootstrap already in progress or complete", http.StatusConflict)
		return
	}

	shamirKMS := kms.NewShamirKMSRecovery(params.Threshold)
	for id, pubKeyPEM := range h.adminPubKeys {
		if err := shamirKMS.RegisterAdmin(pubKeyPEM); err != nil {
			h.log.Error("Failed to register admin", "adminID", id, "err", err)
		}
	}

	h.shamirKMS = shamirKMS
	h.threshold = params.Threshold
	h.totalShares = len(h.adminPubKeys)
	h.state = StateRecovering

	writeJSON(w, map[string]interface{}{
		"message":      "Recovery mode initiated",
		"threshold":    params.Threshold,
		"instructions": "Admins must submit their shares using POST /admin/share",
	})

	h.log.Info("Master seed recovery initiated", "adminID", adminID, "threshold", params.Threshold)
}

// handleSubmitShare accepts one admin's share during recovery.
//
// Endpoint: POST /admin/share
// Body: {"share": "<base64>", "signature": "<base64>"}
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var submission struct {
		Share     string `json:"share"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}
	defer cryptoutils.Wipe(share)
	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecovering {
		http.Error(w, "Not in recovery mode", http.StatusBadRequest)
		return
	}

	if err := h.shamirKMS.SubmitShare(share, signature, h.adminPubKeys[adminID]); err != nil {
		h.log.Error("Share submission failed", "err", err, "adminID", adminID)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	if h.shamirKMS.IsUnlocked() {
		h.state = StateComplete
		close(h.completeChan)

		writeJSON(w, map[string]interface{}{
			"message": "Master seed recovered",
		})
		h.log.Info("Master seed recovered, bootstrap complete", "adminID", adminID)
		return
	}

	writeJSON(w, map[string]interface{}{
		"message":         "Share accepted, waiting for more shares",
		"received_shares": h.shamirKMS.ReceivedShares(),
		"threshold":       h.threshold,
	})

	h.log.Info("Share accepted", "adminID", adminID)
}

// verifyAdmin checks the request signature against the admin's registered key.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get(AdminIDHeader)
	adminSignatureStr := r.Header.Get(AdminSignatureHeader)
	if adminID == "" || adminSignatureStr == "" {
		return "", false
	}

	h.mu.RLock()
	pubKeyPEM, exists := h.adminPubKeys[adminID]
	h.mu.RUnlock()
	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	pubKey, err := cryptoutils.ParseAdminPublicKey(pubKeyPEM)
	if err != nil {
		h.log.Error("Failed to parse admin public key", "adminID", adminID, "err", err)
		return adminID, false
	}

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	if err := cryptoutils.VerifyAdminMessage(pubKey, AdminMessage(r.URL.Path, bodyBytes), adminSignature); err != nil {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

// AdminMessage is the byte string an admin signs for a request.
func AdminMessage(path string, body []byte) []byte {
	return append([]byte(path), body...)
}

// LoadAdminKeys reads admin public keys from JSON of the form
// {"admins": [{"id": "...", "pubkey": "<PEM>"}]}.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(data.Admins))
	for _, admin := range data.Admins {
		if admin.ID == "" {
			return nil, fmt.Errorf("admin entry without id")
		}
		if _, dup := result[admin.ID]; dup {
			return nil, fmt.Errorf("duplicate admin id %s", admin.ID)
		}
		if _, err := cryptoutils.ParseAdminPublicKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}

func sortedAdminIDs(adminPubKeys map[string][]byte) []string {
	ids := make([]string, 0, len(adminPubKeys))
	for id := range adminPubKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
