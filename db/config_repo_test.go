package db

import (
	"testing"
)

func TestConfigRepo_SPKI(t *testing.T) {
	t.Run("should update SPKI", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		want := "test-spki-hash-value"
		err := repo.UpdateSPKI(want)
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		var got string

		err = repo.dbConn.Get(&got, "SELECT spki FROM app LIMIT 1")
		if err != nil {
			t.Fatalf("getting spki from DB : %v", err)
		}

		if want != got {
			t.Fatalf("wanted: %q\ngot: %q", want, got)
		}
	})

	t.Run("should read back the stored SPKI", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		got, err := repo.GetSPKI()
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}
		if got != "" {
			t.Fatalf("wanted: empty spki\ngot: %q", got)
		}

		if err := repo.UpdateSPKI("abc"); err != nil {
			t.Fatalf("updating spki : %v", err)
		}

		got, err = repo.GetSPKI()
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}
		if got != "abc" {
			t.Fatalf("wanted: %q\ngot: %q", "abc", got)
		}
	})
}

func TestConfigRepo_ActiveVersion(t *testing.T) {
	t.Run("should be empty before the first activation", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		got, err := repo.GetActiveVersion()
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		if got != "" {
			t.Fatalf("wanted: empty version\ngot: %q", got)
		}
	})

	t.Run("should persist the active version", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		for _, version := range []string{"v1", "v2"} {
			if err := repo.SetActiveVersion(version); err != nil {
				t.Fatalf("setting active version %s : %v", version, err)
			}
		}

		got, err := repo.GetActiveVersion()
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		if got != "v2" {
			t.Fatalf("wanted: %q\ngot: %q", "v2", got)
		}
	})
}
