package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// StorageBackendLocation is a validated record storage URI of the form
// scheme://[auth@]host[:port][/path][?params].
type StorageBackendLocation struct {
	Raw    string
	Scheme string
}

// NewStorageBackendLocation validates uri and its scheme.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "file", "memory", "s3", "vault", "postgres":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StorageBackendLocation{Raw: uri, Scheme: scheme}, nil
}

// Redacted is the URI with any password replaced, for logs.
func (loc StorageBackendLocation) Redacted() string {
	u, err := url.Parse(loc.Raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}

func (loc StorageBackendLocation) String() string {
	return loc.Redacted()
}

var (
	// ErrNotFound is returned when no value is stored under the requested key.
	ErrNotFound = errors.New("key not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrMirrorsDiverged is returned when mirrored backends hold different
	// values for the same key.
	ErrMirrorsDiverged = errors.New("storage mirrors diverged")
)

// KVBackend persists opaque values under opaque byte keys. Values handed to
// a backend are already sealed; backends never see plaintext records.
type KVBackend interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key []byte, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []byte) error

	// List enumerates all stored keys.
	List(ctx context.Context) ([][]byte, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
