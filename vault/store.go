package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-signing-vault/codec"
	"github.com/ruteri/tee-signing-vault/cryptoutils"
	"github.com/ruteri/tee-signing-vault/interfaces"
	"github.com/ruteri/tee-signing-vault/signer"
)

var (
	// ErrInvalidInput is returned when a vault id is not an address of the
	// identity chain.
	ErrInvalidInput = errors.New("invalid vault id syntax")

	// ErrInvalidVaultID and ErrInvalidAuthSecret are returned by Unlock. Both
	// reach callers as StatusInvalidAuth.
	ErrInvalidVaultID    = errors.New("invalid vault id")
	ErrInvalidAuthSecret = errors.New("invalid auth secret")

	// ErrNoRecordKey is returned when records are read or written through a
	// store opened without a record cipher.
	ErrNoRecordKey = errors.New("vault store opened without a record key")

	// ErrInvariantViolated aborts the exchange: a freshly generated vault id
	// collided with a stored one.
	ErrInvariantViolated = errors.New("vault store invariant violated")
)

// Store keeps one sealed VaultRecord per vault, keyed by the raw address
// bytes of the vault's identity-chain account.
type Store struct {
	backend  interfaces.KVBackend
	cipher   *cryptoutils.RecordCipher
	identity signer.Chain
	log      *slog.Logger
}

// NewStore creates a store over backend. Records are sealed with cipher and
// vault ids are addresses of the identity chain. A nil cipher gives a store
// that can only list and delete records.
func NewStore(backend interfaces.KVBackend, cipher *cryptoutils.RecordCipher, identity signer.Chain, log *slog.Logger) (*Store, error) {
	if _, err := signer.ParseChain(string(identity)); err != nil {
		return nil, err
	}
	return &Store{
		backend:  backend,
		cipher:   cipher,
		identity: identity,
		log:      log.With("component", "vault-store"),
	}, nil
}

// IdentityChain is the chain whose address identifies a vault.
func (s *Store) IdentityChain() signer.Chain {
	return s.identity
}

// KeyFromID decodes a vault id into its storage key.
func (s *Store) KeyFromID(vaultID string) ([]byte, error) {
	key, err := signer.DecodeAddress(s.identity, vaultID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return key, nil
}

// Load returns the record stored under key, or nil if there is none.
// The caller owns the returned record and must Wipe it.
func (s *Store) Load(ctx context.Context, key []byte) (*VaultRecord, error) {
	if s.cipher == nil {
		return nil, ErrNoRecordKey
	}
	sealed, err := s.backend.Get(ctx, key)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read vault record: %w", err)
	}

	plaintext, err := s.cipher.Open(key, sealed)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(plaintext)

	record := new(VaultRecord)
	if err := codec.Unmarshal(plaintext, record); err != nil {
		record.Wipe()
		return nil, fmt.Errorf("could not decode vault record: %w", err)
	}
	return record, nil
}

func (s *Store) save(ctx context.Context, key []byte, record *VaultRecord) error {
	if s.cipher == nil {
		return ErrNoRecordKey
	}
	plaintext, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not encode vault record: %w", err)
	}
	defer cryptoutils.Wipe(plaintext)

	sealed, err := s.cipher.Seal(key, plaintext)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, key, sealed); err != nil {
		return fmt.Errorf("could not write vault record: %w", err)
	}
	return nil
}

// TryInsert stores record under key unless a record already exists, in which
// case nothing is written and the existing record is returned.
func (s *Store) TryInsert(ctx context.Context, key []byte, record *VaultRecord) (*VaultRecord, error) {
	existing, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if err := s.save(ctx, key, record); err != nil {
		return nil, err
	}
	s.log.Debug("vault record created", "vaultID", record.VaultID)
	return nil, nil
}

// Mutate loads the record under key, applies fn and writes the whole record
// back. It returns nil if there is no record under key.
func (s *Store) Mutate(ctx context.Context, key []byte, fn func(*VaultRecord)) (*VaultRecord, error) {
	record, err := s.Load(ctx, key)
	if err != nil || record == nil {
		return nil, err
	}

	fn(record)
	if err := s.save(ctx, key, record); err != nil {
		record.Wipe()
		return nil, err
	}
	return record, nil
}

// Delete removes the record under key.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("could not delete vault record: %w", err)
	}
	return nil
}

// Keys lists the storage keys of every stored record.
func (s *Store) Keys(ctx context.Context) ([][]byte, error) {
	keys, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list vault records: %w", err)
	}
	return keys, nil
}

// IDFromKey renders a storage key back into a vault id.
func (s *Store) IDFromKey(key []byte) (string, error) {
	return signer.EncodeAddress(s.identity, key)
}

// Unlock loads the vault and checks authSecret against the stored secret in
// constant time. Failures are ErrInvalidVaultID, ErrInvalidAuthSecret or a
// wrapped storage error.
func (s *Store) Unlock(ctx context.Context, vaultID string, authSecret []byte) (*VaultRecord, error) {
	key, err := s.KeyFromID(vaultID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVaultID, err)
	}

	record, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrInvalidVaultID
	}

	if !cryptoutils.EqualSecret(record.AuthSecret, authSecret) {
		record.Wipe()
		return nil, ErrInvalidAuthSecret
	}
	return record, nil
}

// Available reports whether the backing store can be reached.
func (s *Store) Available(ctx context.Context) bool {
	return s.backend.Available(ctx)
}
