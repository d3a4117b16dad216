package db

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tfkr-ae/mirsat/domain"
)

func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tempFile, err := os.CreateTemp(t.TempDir(), "test_*.db")
	if err != nil {
		t.Fatalf("os.CreateTemp() failed: %v", err)
	}
	tempFile.Close()

	dbConn, err := New(tempFile.Name())
	if err != nil {
		t.Fatalf("db.New() failed: %v", err)
	}

	repo := NewAgentRepo(dbConn)

	teardown := func() {
		repo.Close()
		os.Remove(tempFile.Name())
	}

	return repo, teardown
}

func testRawResponse(body string) []byte {
	return []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\n\r\n" + body)
}

func testEntry(t *testing.T, repo *Repository, generation string, url string, body string) *domain.CachedResponse {
	t.Helper()

	entry := &domain.CachedResponse{
		Generation:  generation,
		Key:         "GET " + url,
		Method:      "GET",
		URL:         url,
		StatusCode:  200,
		ContentType: "application/json",
		Raw:         testRawResponse(body),
		StoredAt:    time.Now(),
	}

	role, version, _ := strings.Cut(generation, "-")
	gen := &domain.CacheGeneration{Name: generation, Role: domain.CacheRole(role), Version: version}
	if err := repo.CreateGeneration(gen); err != nil {
		t.Fatalf("creating generation: %v", err)
	}
	if err := repo.PutEntry(entry); err != nil {
		t.Fatalf("storing entry: %v", err)
	}

	return entry
}

func TestNew(t *testing.T) {
	t.Run("should apply all migrations", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		var columns []string
		err := repo.dbConn.Select(&columns, "SELECT name FROM pragma_table_info('queue_item')")
		if err != nil {
			t.Fatalf("reading queue_item columns: %v", err)
		}

		joined := strings.Join(columns, ",")
		for _, want := range []string{"attempts", "last_error", "next_attempt_at", "dead_at"} {
			if !strings.Contains(joined, want) {
				t.Fatalf("\nwanted:\ncolumn %s\ngot:\n%s", want, joined)
			}
		}

		columns = nil
		err = repo.dbConn.Select(&columns, "SELECT name FROM pragma_table_info('cache_entry')")
		if err != nil {
			t.Fatalf("reading cache_entry columns: %v", err)
		}

		if !strings.Contains(strings.Join(columns, ","), "content_type") {
			t.Fatalf("\nwanted:\ncontent_type column\ngot:\n%v", columns)
		}
	})

	t.Run("should reopen an existing database", func(t *testing.T) {
		path := t.TempDir() + "/reopen.db"

		first, err := New(path)
		if err != nil {
			t.Fatalf("db.New() failed: %v", err)
		}
		repo := NewAgentRepo(first)
		if err := repo.SetActiveVersion("v7"); err != nil {
			t.Fatalf("setting active version: %v", err)
		}
		repo.Close()

		second, err := New(path)
		if err != nil {
			t.Fatalf("db.New() on reopen failed: %v", err)
		}
		repo = NewAgentRepo(second)
		defer repo.Close()

		got, err := repo.GetActiveVersion()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if got != "v7" {
			t.Fatalf("\nwanted:\nv7\ngot:\n%s", got)
		}
	})
}

func TestNew_Pragmas(t *testing.T) {
	repo, teardown := setupTestDB(t)
	defer teardown()

	var journal string
	if err := repo.dbConn.Get(&journal, "PRAGMA journal_mode"); err != nil {
		t.Fatalf("reading journal mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("\nwanted:\nwal\ngot:\n%s", journal)
	}

	var foreignKeys int
	if err := repo.dbConn.Get(&foreignKeys, "PRAGMA foreign_keys"); err != nil {
		t.Fatalf("reading foreign keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("\nwanted:\n1\ngot:\n%d", foreignKeys)
	}
}

func TestLogContext(t *testing.T) {
	t.Run("should decode stored attributes", func(t *testing.T) {
		var c LogContext
		if err := c.Scan(`{"domain":"appointments"}`); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if c["domain"] != "appointments" {
			t.Fatalf("\nwanted:\nappointments\ngot:\n%v", c["domain"])
		}
	})

	t.Run("should reject malformed json", func(t *testing.T) {
		var c LogContext
		if err := c.Scan([]byte("{")); err == nil {
			t.Fatal("wanted an error but got nil")
		}
	})

	t.Run("should store an empty context as an object", func(t *testing.T) {
		v, err := LogContext(nil).Value()
		if err != nil || v != "{}" {
			t.Fatalf("\nwanted:\n{}\ngot:\n%v %v", v, err)
		}
	})
}
