package vault

import (
	"errors"
	"fmt"

	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/signer"
)

// ErrInvalidRequest is returned for a request or response union that does
// not carry exactly one operation.
var ErrInvalidRequest = errors.New("request must carry exactly one operation")

// AccountKeyMaterial is the raw seed of one chain account.
type AccountKeyMaterial struct {
	Chain signer.Chain `cbor:"chain"`
	Seed  []byte       `cbor:"seed"`
}

// IdentityCheckResult is the outcome of a third-party identity verification
// attached to a vault.
type IdentityCheckResult struct {
	ID        string `cbor:"id"`
	Href      string `cbor:"href"`
	Result    string `cbor:"result"`
	SubResult string `cbor:"sub_result,omitempty"`
}

// VaultRecord is the persisted, secret state of one vault.
type VaultRecord struct {
	VaultID       string               `cbor:"vault_id"`
	AuthSecret    []byte               `cbor:"auth_secret"`
	OwnerName     string               `cbor:"owner_name"`
	PhoneNumber   string               `cbor:"phone_number,omitempty"`
	Accounts      []AccountKeyMaterial `cbor:"accounts"`
	IdentityCheck *IdentityCheckResult `cbor:"identity_check,omitempty"`
}

// Wipe zeroes the auth secret and every account seed. Safe on nil.
func (r *VaultRecord) Wipe() {
	if r == nil {
		return
	}
	cryptoutils.Wipe(r.AuthSecret)
	for i := range r.Accounts {
		cryptoutils.Wipe(r.Accounts[i].Seed)
	}
}

// Account returns the key material held for chain.
func (r *VaultRecord) Account(chain signer.Chain) (*AccountKeyMaterial, bool) {
	for i := range r.Accounts {
		if r.Accounts[i].Chain == chain {
			return &r.Accounts[i], true
		}
	}
	return nil, false
}

// Display projects the record to its public form.
func (r *VaultRecord) Display() (*VaultDisplay, error) {
	display := &VaultDisplay{
		VaultID:   r.VaultID,
		OwnerName: r.OwnerName,
		Accounts:  make([]AccountDisplay, 0, len(r.Accounts)),
	}
	for _, account := range r.Accounts {
		address, err := signer.Address(account.Chain, account.Seed)
		if err != nil {
			return nil, fmt.Errorf("could not derive %s address: %w", account.Chain, err)
		}
		display.Accounts = append(display.Accounts, AccountDisplay{Chain: account.Chain, Address: address})
	}
	return display, nil
}

// VaultDisplay is the non-secret view of a vault returned to callers.
type VaultDisplay struct {
	VaultID   string           `cbor:"vault_id"`
	OwnerName string           `cbor:"owner_name"`
	Accounts  []AccountDisplay `cbor:"accounts"`
}

type AccountDisplay struct {
	Chain   signer.Chain `cbor:"chain"`
	Address string       `cbor:"address"`
}

// Status is the outcome of an operation as seen by the caller.
type Status string

const (
	StatusCreated     Status = "created"
	StatusOpened      Status = "opened"
	StatusSigned      Status = "signed"
	StatusSaved       Status = "saved"
	StatusLoaded      Status = "loaded"
	StatusNotFound    Status = "not_found"
	StatusInvalidAuth Status = "invalid_auth"
	StatusFailed      Status = "failed"
)

// Outcome is embedded in every operation result. Message is only set for
// StatusFailed.
type Outcome struct {
	Status  Status `cbor:"status"`
	Message string `cbor:"message,omitempty"`
}

func failed(format string, args ...any) Outcome {
	return Outcome{Status: StatusFailed, Message: fmt.Sprintf(format, args...)}
}

type CreateVault struct {
	OwnerName   string `cbor:"owner_name"`
	AuthSecret  []byte `cbor:"auth_secret"`
	PhoneNumber string `cbor:"phone_number,omitempty"`
}

type CreateVaultResult struct {
	Outcome
	Vault *VaultDisplay `cbor:"vault,omitempty"`
}

type OpenVault struct {
	VaultID    string `cbor:"vault_id"`
	AuthSecret []byte `cbor:"auth_secret"`
}

type OpenVaultResult struct {
	Outcome
	Vault *VaultDisplay `cbor:"vault,omitempty"`
}

type SignTransaction struct {
	VaultID     string                   `cbor:"vault_id"`
	AuthSecret  []byte                   `cbor:"auth_secret"`
	Transaction signer.TransactionToSign `cbor:"transaction"`
}

type SignTransactionResult struct {
	Outcome
	Signed *signer.TransactionSigned `cbor:"signed,omitempty"`
}

type SaveIdentityCheck struct {
	VaultID    string              `cbor:"vault_id"`
	AuthSecret []byte              `cbor:"auth_secret"`
	Check      IdentityCheckResult `cbor:"check"`
}

type SaveIdentityCheckResult struct {
	Outcome
}

type LoadIdentityCheck struct {
	VaultID    string `cbor:"vault_id"`
	AuthSecret []byte `cbor:"auth_secret"`
}

type LoadIdentityCheckResult struct {
	Outcome
	Check *IdentityCheckResult `cbor:"check,omitempty"`
}

// Operation names, used as union keys in logs and metrics.
const (
	OpCreateVault       = "CreateVault"
	OpOpenVault         = "OpenVault"
	OpSignTransaction   = "SignTransaction"
	OpSaveIdentityCheck = "SaveIdentityCheck"
	OpLoadIdentityCheck = "LoadIdentityCheck"
)

// VaultRequest is a union keyed by operation: exactly one field is set.
type VaultRequest struct {
	CreateVault       *CreateVault       `cbor:"create_vault,omitempty"`
	OpenVault         *OpenVault         `cbor:"open_vault,omitempty"`
	SignTransaction   *SignTransaction   `cbor:"sign_transaction,omitempty"`
	SaveIdentityCheck *SaveIdentityCheck `cbor:"save_identity_check,omitempty"`
	LoadIdentityCheck *LoadIdentityCheck `cbor:"load_identity_check,omitempty"`
}

// Operation names the single operation carried by the request.
func (r *VaultRequest) Operation() (string, error) {
	return oneOf(map[string]bool{
		OpCreateVault:       r.CreateVault != nil,
		OpOpenVault:         r.OpenVault != nil,
		OpSignTransaction:   r.SignTransaction != nil,
		OpSaveIdentityCheck: r.SaveIdentityCheck != nil,
		OpLoadIdentityCheck: r.LoadIdentityCheck != nil,
	})
}

// Wipe zeroes every auth secret carried by the request.
func (r *VaultRequest) Wipe() {
	if r == nil {
		return
	}
	if r.CreateVault != nil {
		cryptoutils.Wipe(r.CreateVault.AuthSecret)
	}
	if r.OpenVault != nil {
		cryptoutils.Wipe(r.OpenVault.AuthSecret)
	}
	if r.SignTransaction != nil {
		cryptoutils.Wipe(r.SignTransaction.AuthSecret)
	}
	if r.SaveIdentityCheck != nil {
		cryptoutils.Wipe(r.SaveIdentityCheck.AuthSecret)
	}
	if r.LoadIdentityCheck != nil {
		cryptoutils.Wipe(r.LoadIdentityCheck.AuthSecret)
	}
}

// VaultResponse mirrors VaultRequest: the field of the request's operation
// is set.
type VaultResponse struct {
	CreateVault       *CreateVaultResult       `cbor:"create_vault,omitempty"`
	OpenVault         *OpenVaultResult         `cbor:"open_vault,omitempty"`
	SignTransaction   *SignTransactionResult   `cbor:"sign_transaction,omitempty"`
	SaveIdentityCheck *SaveIdentityCheckResult `cbor:"save_identity_check,omitempty"`
	LoadIdentityCheck *LoadIdentityCheckResult `cbor:"load_identity_check,omitempty"`
}

func (r *VaultResponse) Operation() (string, error) {
	return oneOf(map[string]bool{
		OpCreateVault:       r.CreateVault != nil,
		OpOpenVault:         r.OpenVault != nil,
		OpSignTransaction:   r.SignTransaction != nil,
		OpSaveIdentityCheck: r.SaveIdentityCheck != nil,
		OpLoadIdentityCheck: r.LoadIdentityCheck != nil,
	})
}

// Outcome returns the outcome of whichever operation the response carries.
func (r *VaultResponse) Outcome() (Outcome, error) {
	switch {
	case r.CreateVault != nil:
		return r.CreateVault.Outcome, nil
	case r.OpenVault != nil:
		return r.OpenVault.Outcome, nil
	case r.SignTransaction != nil:
		return r.SignTransaction.Outcome, nil
	case r.SaveIdentityCheck != nil:
		return r.SaveIdentityCheck.Outcome, nil
	case r.LoadIdentityCheck != nil:
		return r.LoadIdentityCheck.Outcome, nil
	}
	return Outcome{}, ErrInvalidRequest
}

func oneOf(set map[string]bool) (string, error) {
	var name string
	count := 0
	for op, present := range set {
		if present {
			name = op
			count++
		}
	}
	if count != 1 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidRequest, count)
	}
	return name, nil
}
