package domain

import (
	"encoding/json"
	"time"
)

// CacheRole is the logical role a cache generation plays for the strategy engine.
type CacheRole string

const (
	RoleStatic  CacheRole = "static"
	RoleDynamic CacheRole = "dynamic"
	RoleAPI     CacheRole = "api"
	RoleImages  CacheRole = "images"
)

// RawField type is used for the raw cached response
//
// By default []byte MarshallJSON will encode the []byte value to base64
// MarshalJson is implemented for RawField to directly marshall the "string" bytes
type RawField []byte

// MarshalJSON implements the json.Marshaler interface. It marshals the raw bytes
// as a JSON string, bypassing the default base64 encoding for []byte.
func (r RawField) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}

	return json.Marshal(string(r))
}

// CacheGeneration is a named, versioned blob store holding captured responses for one role.
// The name is derived from the role and version ("static-v2") by the generation registry.
type CacheGeneration struct {
	Name      string    // Unique generation name, e.g. "api-v2".
	Role      CacheRole // Role the generation serves.
	Version   string    // Version tag shared by all generations of one agent version.
	CreatedAt time.Time // When the generation was first created.
}

// CachedResponse is a captured response stored in a cache generation.
// Entries are only ever replaced whole or deleted.
type CachedResponse struct {
	Generation  string    // Name of the owning generation.
	Key         string    // Canonical request identity, "METHOD URL".
	Method      string    // Request method, always GET.
	URL         string    // Absolute request URL.
	StatusCode  int       // Captured status code.
	ContentType string    // Captured content type, used for listings.
	Raw         RawField  // Complete raw HTTP response (status line, headers, body).
	StoredAt    time.Time // Capture time.
}

// CacheRepository is the interface that holds the blob cache persistence methods.
type CacheRepository interface {
	// CreateGeneration registers a generation. Creating an existing generation is a no-op.
	CreateGeneration(gen *CacheGeneration) error

	// GetGenerations returns every stored generation ordered by name.
	GetGenerations() ([]*CacheGeneration, error)

	// DeleteGeneration removes a generation and all of its entries.
	// It returns ErrGenerationNotFound if the generation does not exist.
	DeleteGeneration(name string) error

	// MatchEntry returns the entry stored under key in the generation.
	// It returns ErrCacheMiss if there is none.
	MatchEntry(generation string, key string) (*CachedResponse, error)

	// PutEntry stores the entry, overwriting any entry with the same generation and key.
	// It returns ErrGenerationNotFound if the generation does not exist.
	PutEntry(entry *CachedResponse) error

	// DeleteEntry removes the entry stored under key. It returns ErrCacheMiss if there is none.
	DeleteEntry(generation string, key string) error

	// GetEntries returns the entries of a generation without their raw bodies.
	GetEntries(generation string) ([]*CachedResponse, error)
}
