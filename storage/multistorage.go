package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-signing-vault/interfaces"
)

// MultiStorageBackend mirrors records across several backends. Every
// operation requires all mirrors to be available. Writes and deletes must
// succeed on every mirror, and reads must find the same value on every
// mirror, so a mirror that missed a write is detected instead of served.
type MultiStorageBackend struct {
	backends []interfaces.KVBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new mirrored backend.
func NewMultiStorageBackend(backends []interfaces.KVBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// requireAll fails unless every mirror reports itself available.
func (m *MultiStorageBackend) requireAll(ctx context.Context, op string) error {
	if len(m.backends) == 0 {
		return fmt.Errorf("%w: no backend configured", interfaces.ErrBackendUnavailable)
	}

	var down []string
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			down = append(down, backend.Name())
		}
	}
	if len(down) > 0 {
		m.log.Warn("Mirror unavailable, refusing operation",
			slog.String("op", op),
			slog.Any("unavailable", down))
		return fmt.Errorf("%w: cannot %s with mirrors down: %s", interfaces.ErrBackendUnavailable, op, strings.Join(down, ", "))
	}
	return nil
}

// Get reads key from every mirror. ErrNotFound is returned only when all
// mirrors miss; a mirror holding a different value, or missing a value the
// others hold, yields ErrMirrorsDiverged.
func (m *MultiStorageBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := m.requireAll(ctx, "fetch"); err != nil {
		return nil, err
	}

	start := time.Now()
	var errs []error
	var found []byte
	hits, misses := 0, 0

	for _, backend := range m.backends {
		data, err := backend.Get(ctx, key)
		switch {
		case err == nil:
			if hits > 0 && !bytes.Equal(found, data) {
				return nil, m.diverged(backend, "values differ")
			}
			found = data
			hits++
		case errors.Is(err, interfaces.ErrNotFound):
			misses++
		default:
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to fetch from backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
		}
	}

	if len(errs) > 0 {
		m.log.Error("Backends failed to fetch record",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("backends failed to fetch record: %w", errors.Join(errs...))
	}
	if hits > 0 && misses > 0 {
		return nil, m.diverged(nil, fmt.Sprintf("%d of %d mirrors missing the record", misses, len(m.backends)))
	}
	if hits == 0 {
		return nil, interfaces.ErrNotFound
	}

	m.log.Debug("Fetched record",
		slog.Int("mirrors", hits),
		slog.Duration("duration", time.Since(start)))
	return found, nil
}

func (m *MultiStorageBackend) diverged(backend interfaces.KVBackend, detail string) error {
	attrs := []any{slog.String("detail", detail)}
	if backend != nil {
		attrs = append(attrs, slog.String("backend_name", backend.Name()))
	}
	m.log.Error("Storage mirrors diverged", attrs...)
	return fmt.Errorf("%w: %s", interfaces.ErrMirrorsDiverged, detail)
}

// Put saves value to every backend.
func (m *MultiStorageBackend) Put(ctx context.Context, key []byte, value []byte) error {
	return m.forEach(ctx, "store", func(backend interfaces.KVBackend) error {
		return backend.Put(ctx, key, value)
	})
}

// Delete removes key from every backend.
func (m *MultiStorageBackend) Delete(ctx context.Context, key []byte) error {
	return m.forEach(ctx, "delete", func(backend interfaces.KVBackend) error {
		return backend.Delete(ctx, key)
	})
}

// forEach applies fn to every mirror and fails if any of them fails. Nothing
// is attempted while a mirror is unavailable.
func (m *MultiStorageBackend) forEach(ctx context.Context, op string, fn func(interfaces.KVBackend) error) error {
	if err := m.requireAll(ctx, op); err != nil {
		return err
	}

	start := time.Now()
	var errs []error
	for _, backend := range m.backends {
		if err := fn(backend); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Backend operation failed",
				slog.String("op", op),
				slog.String("backend_name", backend.Name()),
				"err", err)
		}
	}

	if len(errs) > 0 {
		m.log.Error("Mirrored operation failed",
			slog.String("op", op),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("backends failed to %s: %w", op, errors.Join(errs...))
	}
	return nil
}

// List returns the union of keys across all backends.
func (m *MultiStorageBackend) List(ctx context.Context) ([][]byte, error) {
	if err := m.requireAll(ctx, "list"); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var keys [][]byte
	var errs []error

	for _, backend := range m.backends {
		backendKeys, err := backend.List(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		for _, k := range backendKeys {
			if _, ok := seen[string(k)]; ok {
				continue
			}
			seen[string(k)] = struct{}{}
			keys = append(keys, k)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("backends failed to list: %w", errors.Join(errs...))
	}
	return keys, nil
}

// Available reports whether every backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	if len(m.backends) == 0 {
		return false
	}
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			return false
		}
	}
	return true
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the URI of this backend
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
