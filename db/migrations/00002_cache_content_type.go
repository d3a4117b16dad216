package migrations

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

func init() {
	goose.AddMigrationContext(upCacheContentType, downCacheContentType)
}

type storedEntry struct {
	generation string
	key        string
	raw        []byte
	encoding   string
}

func upCacheContentType(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE cache_entry ADD COLUMN content_type TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return fmt.Errorf("adding content_type column : %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT generation, key, raw, encoding FROM cache_entry")
	if err != nil {
		return fmt.Errorf("getting all cache entries: %w", err)
	}

	var entries []storedEntry
	for rows.Next() {
		var entry storedEntry
		if err := rows.Scan(&entry.generation, &entry.key, &entry.raw, &entry.encoding); err != nil {
			rows.Close()
			return fmt.Errorf("scanning row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	for _, entry := range entries {
		contentType, err := headerContentType(entry.raw, entry.encoding)
		if err != nil {
			return fmt.Errorf("reading content type of %s/%s : %w", entry.generation, entry.key, err)
		}

		_, err = tx.ExecContext(ctx, "UPDATE cache_entry SET content_type = ? WHERE generation = ? AND key = ?", contentType, entry.generation, entry.key)
		if err != nil {
			return fmt.Errorf("updating row %s/%s : %w", entry.generation, entry.key, err)
		}
	}
	return nil
}

func downCacheContentType(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE cache_entry DROP COLUMN content_type")
	if err != nil {
		return fmt.Errorf("dropping content_type column : %w", err)
	}
	return nil
}

// headerContentType parses the stored raw response headers and returns its Content-Type.
func headerContentType(stored []byte, encoding string) (string, error) {
	raw := stored
	if encoding == "br" {
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(stored)))
		if err != nil {
			return "", fmt.Errorf("decompressing : %w", err)
		}
		raw = decoded
	}

	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return "", fmt.Errorf("parsing response : %w", err)
	}
	defer res.Body.Close()

	return res.Header.Get("Content-Type"), nil
}
