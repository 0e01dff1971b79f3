package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-signing-vault/metrics"
	"github.com/ruteri/tee-signing-vault/signer"
)

// Dispatcher executes decoded vault requests against a Store. It holds no
// state of its own between calls.
type Dispatcher struct {
	store  *Store
	chains []signer.Chain
	log    *slog.Logger
}

// NewDispatcher creates a dispatcher that provisions an account on each of
// chains for every new vault. The store's identity chain must be among them.
func NewDispatcher(store *Store, chains []signer.Chain, log *slog.Logger) (*Dispatcher, error) {
	if len(chains) == 0 {
		chains = signer.SupportedChains
	}
	hasIdentity := false
	for _, c := range chains {
		if _, err := signer.ParseChain(string(c)); err != nil {
			return nil, err
		}
		if c == store.IdentityChain() {
			hasIdentity = true
		}
	}
	if !hasIdentity {
		return nil, fmt.Errorf("identity chain %s is not among the vault chains", store.IdentityChain())
	}

	return &Dispatcher{
		store:  store,
		chains: append([]signer.Chain(nil), chains...),
		log:    log.With("component", "dispatcher"),
	}, nil
}

// Dispatch runs the operation carried by req. Application failures are
// reported inside the response; an error means the exchange must abort.
func (d *Dispatcher) Dispatch(ctx context.Context, req *VaultRequest) (*VaultResponse, error) {
	op, err := req.Operation()
	if err != nil {
		return nil, err
	}

	var resp VaultResponse
	switch op {
	case OpCreateVault:
		resp.CreateVault, err = d.createVault(ctx, req.CreateVault)
	case OpOpenVault:
		resp.OpenVault = d.openVault(ctx, req.OpenVault)
	case OpSignTransaction:
		resp.SignTransaction = d.signTransaction(ctx, req.SignTransaction)
	case OpSaveIdentityCheck:
		resp.SaveIdentityCheck = d.saveIdentityCheck(ctx, req.SaveIdentityCheck)
	case OpLoadIdentityCheck:
		resp.LoadIdentityCheck = d.loadIdentityCheck(ctx, req.LoadIdentityCheck)
	}
	if err != nil {
		metrics.VaultOperations.WithLabelValues(op, "aborted").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	outcome, _ := resp.Outcome()
	metrics.VaultOperations.WithLabelValues(op, string(outcome.Status)).Inc()
	if outcome.Status == StatusFailed {
		d.log.Warn("vault operation failed", "op", op, "message", outcome.Message)
	} else {
		d.log.Debug("vault operation done", "op", op, "status", outcome.Status)
	}
	return &resp, nil
}

// unlockOutcome collapses both unlock rejections into StatusInvalidAuth.
func unlockOutcome(err error) Outcome {
	if errors.Is(err, ErrInvalidVaultID) || errors.Is(err, ErrInvalidAuthSecret) {
		return Outcome{Status: StatusInvalidAuth}
	}
	return failed("%v", err)
}

func (d *Dispatcher) createVault(ctx context.Context, req *CreateVault) (*CreateVaultResult, error) {
	if len(req.AuthSecret) == 0 {
		return &CreateVaultResult{Outcome: failed("auth secret must not be empty")}, nil
	}

	record := &VaultRecord{
		OwnerName:   req.OwnerName,
		AuthSecret:  append([]byte(nil), req.AuthSecret...),
		PhoneNumber: req.PhoneNumber,
	}
	defer record.Wipe()

	for _, chain := range d.chains {
		seed, err := signer.GenerateSeed(chain)
		if err != nil {
			return &CreateVaultResult{Outcome: failed("%v", err)}, nil
		}
		record.Accounts = append(record.Accounts, AccountKeyMaterial{Chain: chain, Seed: seed})
	}

	identity, _ := record.Account(d.store.IdentityChain())
	vaultID, err := signer.Address(identity.Chain, identity.Seed)
	if err != nil {
		return &CreateVaultResult{Outcome: failed("%v", err)}, nil
	}
	record.VaultID = vaultID

	key, err := d.store.KeyFromID(vaultID)
	if err != nil {
		return &CreateVaultResult{Outcome: failed("%v", err)}, nil
	}

	existing, err := d.store.TryInsert(ctx, key, record)
	if err != nil {
		return &CreateVaultResult{Outcome: failed("%v", err)}, nil
	}
	if existing != nil {
		existing.Wipe()
		d.log.Error("generated vault id collides with a stored vault", "vaultID", vaultID)
		return nil, ErrInvariantViolated
	}

	display, err := record.Display()
	if err != nil {
		return &CreateVaultResult{Outcome: failed("%v", err)}, nil
	}
	return &CreateVaultResult{Outcome: Outcome{Status: StatusCreated}, Vault: display}, nil
}

func (d *Dispatcher) openVault(ctx context.Context, req *OpenVault) *OpenVaultResult {
	record, err := d.store.Unlock(ctx, req.VaultID, req.AuthSecret)
	if err != nil {
		return &OpenVaultResult{Outcome: unlockOutcome(err)}
	}
	defer record.Wipe()

	display, err := record.Display()
	if err != nil {
		return &OpenVaultResult{Outcome: failed("%v", err)}
	}
	return &OpenVaultResult{Outcome: Outcome{Status: StatusOpened}, Vault: display}
}

func (d *Dispatcher) signTransaction(ctx context.Context, req *SignTransaction) *SignTransactionResult {
	record, err := d.store.Unlock(ctx, req.VaultID, req.AuthSecret)
	if err != nil {
		return &SignTransactionResult{Outcome: unlockOutcome(err)}
	}
	defer record.Wipe()

	chain := req.Transaction.Chain
	account, ok := record.Account(chain)
	if !ok {
		return &SignTransactionResult{Outcome: failed("vault has no %q account", chain)}
	}

	signed, err := signer.Sign(chain, account.Seed, req.Transaction.TransactionBytes)
	if err != nil {
		return &SignTransactionResult{Outcome: failed("%v", err)}
	}
	return &SignTransactionResult{Outcome: Outcome{Status: StatusSigned}, Signed: signed}
}

func (d *Dispatcher) saveIdentityCheck(ctx context.Context, req *SaveIdentityCheck) *SaveIdentityCheckResult {
	record, err := d.store.Unlock(ctx, req.VaultID, req.AuthSecret)
	if err != nil {
		return &SaveIdentityCheckResult{Outcome: unlockOutcome(err)}
	}
	vaultID := record.VaultID
	record.Wipe()

	key, err := d.store.KeyFromID(vaultID)
	if err != nil {
		return &SaveIdentityCheckResult{Outcome: failed("%v", err)}
	}

	check := req.Check
	updated, err := d.store.Mutate(ctx, key, func(r *VaultRecord) {
		r.IdentityCheck = &check
	})
	if err != nil {
		return &SaveIdentityCheckResult{Outcome: failed("%v", err)}
	}
	if updated == nil {
		d.log.Error("vault disappeared between unlock and update", "vaultID", vaultID)
		return &SaveIdentityCheckResult{Outcome: failed("vault disappeared during update")}
	}
	updated.Wipe()

	return &SaveIdentityCheckResult{Outcome: Outcome{Status: StatusSaved}}
}

func (d *Dispatcher) loadIdentityCheck(ctx context.Context, req *LoadIdentityCheck) *LoadIdentityCheckResult {
	record, err := d.store.Unlock(ctx, req.VaultID, req.AuthSecret)
	if err != nil {
		return &LoadIdentityCheckResult{Outcome: unlockOutcome(err)}
	}
	defer record.Wipe()

	if record.IdentityCheck == nil {
		return &LoadIdentityCheckResult{Outcome: Outcome{Status: StatusNotFound}}
	}
	check := *record.IdentityCheck
	return &LoadIdentityCheckResult{Outcome: Outcome{Status: StatusLoaded}, Check: &check}
}
