package cache

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tfkr-ae/mirsat/domain"
	"github.com/tfkr-ae/mirsat/rawhttp"
)

var (
	// ErrNotCached is returned by Match when the generation holds no entry for the request.
	ErrNotCached = errors.New("request not cached")

	// ErrNotCacheable is returned when a request or response cannot be stored.
	ErrNotCacheable = errors.New("not cacheable")

	// ErrStaleGeneration is returned by Put for a generation that no longer exists and is not owned
	// by the active registry, typically a write that started before an activation pruned it.
	ErrStaleGeneration = errors.New("stale generation")
)

// Key returns the canonical identity of a request: "METHOD URL" without the fragment.
func Key(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host == "" {
		u.Host = req.Host
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + u.String()
}

// Store is the blob cache manager. It stores captured responses in named generations.
type Store struct {
	repo domain.CacheRepository
	now  func() time.Time

	// mu orders lazy generation creation against pruning.
	mu     sync.Mutex
	active *Registry
}

// NewStore returns a Store persisting into repo.
func NewStore(repo domain.CacheRepository) *Store {
	return &Store{
		repo: repo,
		now:  time.Now,
	}
}

// Open creates the generation if it does not exist yet.
func (s *Store) Open(gen *domain.CacheGeneration) error {
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = s.now()
	}
	if err := s.repo.CreateGeneration(gen); err != nil {
		return fmt.Errorf("opening generation %s : %w", gen.Name, err)
	}
	return nil
}

// Capture reads res into a cache entry for generation. The response body stays readable.
// Only successful GET responses can be captured.
func Capture(generation string, req *http.Request, res *http.Response) (*domain.CachedResponse, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, fmt.Errorf("%w : method %s", ErrNotCacheable, req.Method)
	}
	if res.StatusCode == http.StatusPartialContent {
		return nil, fmt.Errorf("%w : partial content", ErrNotCacheable)
	}

	raw, err := rawhttp.Capture(res)
	if err != nil {
		return nil, fmt.Errorf("capturing %s : %w", req.URL, err)
	}

	return &domain.CachedResponse{
		Generation:  generation,
		Key:         Key(req),
		Method:      http.MethodGet,
		URL:         req.URL.String(),
		StatusCode:  res.StatusCode,
		ContentType: mediaType(res.Header.Get("Content-Type")),
		Raw:         raw,
	}, nil
}

// mediaType returns the lower-cased media type of a Content-Type header.
func mediaType(header string) string {
	if header == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	return strings.ToLower(parsed)
}

// Adopt makes registry the active one. Its generations are created on their first write.
func (s *Store) Adopt(registry *Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = registry
}

// Put stores the entry, replacing any entry with the same key. A missing generation is created only
// when the active registry owns it; writes to any other missing generation fail with
// ErrStaleGeneration.
func (s *Store) Put(entry *domain.CachedResponse) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}

	err := s.repo.PutEntry(entry)
	if errors.Is(err, domain.ErrGenerationNotFound) {
		err = s.putCreating(entry)
	}
	if err != nil {
		return fmt.Errorf("putting %s : %w", entry.Key, err)
	}
	return nil
}

func (s *Store) putCreating(entry *domain.CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || !s.active.Owns(entry.Generation) {
		return fmt.Errorf("%w : %s", ErrStaleGeneration, entry.Generation)
	}
	if err := s.Open(s.active.Generation(RoleOf(entry.Generation))); err != nil {
		return err
	}
	return s.repo.PutEntry(entry)
}

// Match returns the cached response for req in generation, rebuilt for delivery.
// It returns ErrNotCached if there is no entry.
func (s *Store) Match(generation string, req *http.Request) (*http.Response, error) {
	entry, err := s.repo.MatchEntry(generation, Key(req))
	if err != nil {
		if errors.Is(err, domain.ErrCacheMiss) {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("matching %s : %w", Key(req), err)
	}

	res, err := rawhttp.RebuildResponse(entry.Raw, req)
	if err != nil {
		return nil, fmt.Errorf("rebuilding cached response %s : %w", entry.Key, err)
	}
	return res, nil
}

// Delete removes the entry for req. It reports whether an entry was removed.
func (s *Store) Delete(generation string, req *http.Request) (bool, error) {
	err := s.repo.DeleteEntry(generation, Key(req))
	if errors.Is(err, domain.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Keys returns the request keys stored in the generation.
func (s *Store) Keys(generation string) ([]string, error) {
	entries, err := s.repo.GetEntries(generation)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}

// Entries returns the entries of a generation without their raw responses.
func (s *Store) Entries(generation string) ([]*domain.CachedResponse, error) {
	return s.repo.GetEntries(generation)
}

// Entry returns a single stored entry including its raw response.
func (s *Store) Entry(generation string, key string) (*domain.CachedResponse, error) {
	entry, err := s.repo.MatchEntry(generation, key)
	if errors.Is(err, domain.ErrCacheMiss) {
		return nil, ErrNotCached
	}
	return entry, err
}

// Generations returns every stored generation.
func (s *Store) Generations() ([]*domain.CacheGeneration, error) {
	return s.repo.GetGenerations()
}

// DeleteGeneration removes a generation and its entries. It reports whether it existed.
func (s *Store) DeleteGeneration(name string) (bool, error) {
	err := s.repo.DeleteGeneration(name)
	if errors.Is(err, domain.ErrGenerationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Clear deletes every generation.
func (s *Store) Clear() error {
	generations, err := s.repo.GetGenerations()
	if err != nil {
		return fmt.Errorf("listing generations : %w", err)
	}

	var errs []error
	for _, gen := range generations {
		if _, err := s.DeleteGeneration(gen.Name); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s : %w", gen.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Prune adopts registry and deletes every generation it does not own. It returns the deleted names.
func (s *Store) Prune(registry *Registry) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = registry

	generations, err := s.repo.GetGenerations()
	if err != nil {
		return nil, fmt.Errorf("listing generations : %w", err)
	}

	var deleted []string
	var errs []error
	for _, gen := range generations {
		if registry.Owns(gen.Name) {
			continue
		}
		if _, err := s.DeleteGeneration(gen.Name); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s : %w", gen.Name, err))
			continue
		}
		deleted = append(deleted, gen.Name)
	}
	return deleted, errors.Join(errs...)
}
