package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tfkr-ae/mirsat/domain"
)

var _ domain.CacheRepository = (*Repository)(nil)

// dbCacheGeneration represents a cache generation as stored in the database.
type dbCacheGeneration struct {
	Name      string    `db:"name"`
	Role      string    `db:"role"`
	Version   string    `db:"version"`
	CreatedAt time.Time `db:"created_at"`
}

// dbCacheEntry represents a captured response as stored in the database.
// Raw holds the (possibly compressed) response and Encoding how to restore it.
type dbCacheEntry struct {
	Generation  string    `db:"generation"`
	Key         string    `db:"key"`
	Method      string    `db:"method"`
	URL         string    `db:"url"`
	StatusCode  int       `db:"status_code"`
	ContentType string    `db:"content_type"`
	Raw         []byte    `db:"raw"`
	Encoding    string    `db:"encoding"`
	StoredAt    time.Time `db:"stored_at"`
}

func toDomainGeneration(gen *dbCacheGeneration) *domain.CacheGeneration {
	return &domain.CacheGeneration{
		Name:      gen.Name,
		Role:      domain.CacheRole(gen.Role),
		Version:   gen.Version,
		CreatedAt: gen.CreatedAt,
	}
}

// toDomainEntry converts a dbCacheEntry to a domain.CachedResponse, decompressing the raw response.
func toDomainEntry(entry *dbCacheEntry) (*domain.CachedResponse, error) {
	var raw []byte
	if entry.Raw != nil {
		decoded, err := decodeRaw(entry.Raw, entry.Encoding)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}

	return &domain.CachedResponse{
		Generation:  entry.Generation,
		Key:         entry.Key,
		Method:      entry.Method,
		URL:         entry.URL,
		StatusCode:  entry.StatusCode,
		ContentType: entry.ContentType,
		Raw:         raw,
		StoredAt:    entry.StoredAt,
	}, nil
}

// fromDomainEntry converts a domain.CachedResponse to a dbCacheEntry, compressing the raw response.
func fromDomainEntry(entry *domain.CachedResponse) (*dbCacheEntry, error) {
	stored, encoding, err := encodeRaw(entry.Raw)
	if err != nil {
		return nil, err
	}

	return &dbCacheEntry{
		Generation:  entry.Generation,
		Key:         entry.Key,
		Method:      entry.Method,
		URL:         entry.URL,
		StatusCode:  entry.StatusCode,
		ContentType: entry.ContentType,
		Raw:         stored,
		Encoding:    encoding,
		StoredAt:    entry.StoredAt,
	}, nil
}

// CreateGeneration registers a cache generation. Existing generations are left untouched.
func (repo *Repository) CreateGeneration(gen *domain.CacheGeneration) error {
	createdAt := gen.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT INTO cache_generation (name, role, version, created_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT(name) DO NOTHING`

	_, err := repo.dbConn.Exec(query, gen.Name, string(gen.Role), gen.Version, createdAt)
	if err != nil {
		return fmt.Errorf("creating cache generation %s: %w", gen.Name, err)
	}

	return nil
}

// GetGenerations returns every cache generation ordered by name.
func (repo *Repository) GetGenerations() ([]*domain.CacheGeneration, error) {
	var dbGenerations []*dbCacheGeneration
	query := `SELECT name, role, version, created_at FROM cache_generation ORDER BY name`

	err := repo.dbConn.Select(&dbGenerations, query)
	if err != nil {
		return nil, fmt.Errorf("fetching cache generations: %w", err)
	}

	generations := make([]*domain.CacheGeneration, len(dbGenerations))
	for i, gen := range dbGenerations {
		generations[i] = toDomainGeneration(gen)
	}

	return generations, nil
}

// DeleteGeneration removes the generation. Its entries are removed by the foreign key cascade.
func (repo *Repository) DeleteGeneration(name string) error {
	result, err := repo.dbConn.Exec(`DELETE FROM cache_generation WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting cache generation %s: %w", name, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows for generation %s: %w", name, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("deleting cache generation %s: %w", name, domain.ErrGenerationNotFound)
	}

	return nil
}

// MatchEntry returns the entry stored under key in the generation.
func (repo *Repository) MatchEntry(generation string, key string) (*domain.CachedResponse, error) {
	var entry dbCacheEntry
	query := `SELECT generation, key, method, url, status_code, content_type, raw, encoding, stored_at
	          FROM cache_entry
	          WHERE generation = ? AND key = ?`

	err := repo.dbConn.Get(&entry, query, generation, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("matching %s in %s: %w", key, generation, err)
	}

	return toDomainEntry(&entry)
}

// PutEntry upserts the entry. The generation must exist: a write racing with the deletion of its
// generation fails with ErrGenerationNotFound instead of bringing the generation back.
func (repo *Repository) PutEntry(entry *domain.CachedResponse) error {
	dbEntry, err := fromDomainEntry(entry)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", entry.Key, err)
	}
	if dbEntry.StoredAt.IsZero() {
		dbEntry.StoredAt = time.Now()
	}

	tx, err := repo.dbConn.Beginx()
	if err != nil {
		return fmt.Errorf("starting transaction : %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.Get(&exists, `SELECT EXISTS (SELECT 1 FROM cache_generation WHERE name = ?)`, entry.Generation)
	if err != nil {
		return fmt.Errorf("looking up cache generation %s: %w", entry.Generation, err)
	}
	if !exists {
		return fmt.Errorf("storing %s in %s: %w", entry.Key, entry.Generation, domain.ErrGenerationNotFound)
	}

	query := `INSERT INTO cache_entry (generation, key, method, url, status_code, content_type, raw, encoding, stored_at)
	          VALUES (:generation, :key, :method, :url, :status_code, :content_type, :raw, :encoding, :stored_at)
	          ON CONFLICT(generation, key) DO UPDATE SET
	              method = excluded.method,
	              url = excluded.url,
	              status_code = excluded.status_code,
	              content_type = excluded.content_type,
	              raw = excluded.raw,
	              encoding = excluded.encoding,
	              stored_at = excluded.stored_at`

	_, err = tx.NamedExec(query, dbEntry)
	if err != nil {
		return fmt.Errorf("storing %s in %s: %w", entry.Key, entry.Generation, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entry %s: %w", entry.Key, err)
	}

	return nil
}

// DeleteEntry removes the entry stored under key.
func (repo *Repository) DeleteEntry(generation string, key string) error {
	result, err := repo.dbConn.Exec(`DELETE FROM cache_entry WHERE generation = ? AND key = ?`, generation, key)
	if err != nil {
		return fmt.Errorf("deleting %s from %s: %w", key, generation, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows for %s: %w", key, err)
	}

	if rowsAffected == 0 {
		return domain.ErrCacheMiss
	}

	return nil
}

// GetEntries returns the entries of a generation ordered by key. Raw responses are not loaded.
func (repo *Repository) GetEntries(generation string) ([]*domain.CachedResponse, error) {
	var dbEntries []*dbCacheEntry
	query := `SELECT generation, key, method, url, status_code, content_type, stored_at
	          FROM cache_entry
	          WHERE generation = ?
	          ORDER BY key`

	err := repo.dbConn.Select(&dbEntries, query, generation)
	if err != nil {
		return nil, fmt.Errorf("fetching entries of %s: %w", generation, err)
	}

	entries := make([]*domain.CachedResponse, len(dbEntries))
	for i, dbEntry := range dbEntries {
		entry, err := toDomainEntry(dbEntry)
		if err != nil {
			return nil, fmt.Errorf("decoding entry %s: %w", dbEntry.Key, err)
		}
		entries[i] = entry
	}

	return entries, nil
}
