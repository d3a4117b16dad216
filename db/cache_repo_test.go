package db

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tfkr-ae/mirsat/domain"
)

func TestCacheRepo_Generations(t *testing.T) {
	t.Run("should create a generation once", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		gen := &domain.CacheGeneration{Name: "static-v1", Role: domain.RoleStatic, Version: "v1"}
		for range 2 {
			if err := repo.CreateGeneration(gen); err != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
			}
		}

		got, err := repo.GetGenerations()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if len(got) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(got))
		}

		if got[0].Name != "static-v1" || got[0].Role != domain.RoleStatic || got[0].Version != "v1" {
			t.Fatalf("\nwanted:\nstatic-v1 static v1\ngot:\n%s %s %s", got[0].Name, got[0].Role, got[0].Version)
		}
	})

	t.Run("should delete a generation together with its entries", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		testEntry(t, repo, "api-v1", "https://app.example/api/profile", `{"name":"a"}`)
		testEntry(t, repo, "api-v1", "https://app.example/api/doctors", `[]`)

		if err := repo.DeleteGeneration("api-v1"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		count, err := repo.CountEntries()
		if err != nil {
			t.Fatalf("counting entries: %v", err)
		}

		if count != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", count)
		}
	})

	t.Run("should return ErrGenerationNotFound when deleting an unknown generation", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		err := repo.DeleteGeneration("static-v0")
		if !errors.Is(err, domain.ErrGenerationNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrGenerationNotFound, err)
		}
	})
}

func TestCacheRepo_Entries(t *testing.T) {
	t.Run("should refuse entries for a missing generation", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		err := repo.PutEntry(&domain.CachedResponse{
			Generation: "dynamic-v3",
			Key:        "GET https://cdn.example/app.js",
			Method:     "GET",
			URL:        "https://cdn.example/app.js",
			StatusCode: 200,
			Raw:        testRawResponse("console.log(1)"),
		})
		if !errors.Is(err, domain.ErrGenerationNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrGenerationNotFound, err)
		}

		got, err := repo.GetGenerations()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if len(got) != 0 {
			t.Fatalf("\nwanted:\nno generations\ngot:\n%v", got)
		}
	})

	t.Run("should refuse entries once the generation is deleted", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		entry := testEntry(t, repo, "static-v1", "https://app.example/slow.css", "body{}")
		if err := repo.DeleteGeneration("static-v1"); err != nil {
			t.Fatalf("deleting generation: %v", err)
		}

		if err := repo.PutEntry(entry); !errors.Is(err, domain.ErrGenerationNotFound) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrGenerationNotFound, err)
		}
	})

	t.Run("should match a stored entry", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		want := testEntry(t, repo, "api-v1", "https://app.example/api/profile", `{"name":"a"}`)

		got, err := repo.MatchEntry("api-v1", want.Key)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if !bytes.Equal(got.Raw, want.Raw) {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", want.Raw, got.Raw)
		}

		if got.StatusCode != 200 || got.URL != want.URL || got.ContentType != "application/json" {
			t.Fatalf("\nwanted:\n%+v\ngot:\n%+v", want, got)
		}
	})

	t.Run("should return ErrCacheMiss for an unknown key", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		_, err := repo.MatchEntry("api-v1", "GET https://app.example/api/none")
		if !errors.Is(err, domain.ErrCacheMiss) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrCacheMiss, err)
		}
	})

	t.Run("should overwrite an entry with the same key", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		testEntry(t, repo, "api-v1", "https://app.example/api/profile", `{"name":"old"}`)
		want := testEntry(t, repo, "api-v1", "https://app.example/api/profile", `{"name":"new"}`)

		got, err := repo.MatchEntry("api-v1", want.Key)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if !bytes.Contains(got.Raw, []byte(`"new"`)) {
			t.Fatalf("\nwanted:\nnew body\ngot:\n%s", got.Raw)
		}

		count, err := repo.CountEntries()
		if err != nil {
			t.Fatalf("counting entries: %v", err)
		}
		if count != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", count)
		}
	})

	t.Run("should round trip large compressed responses", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		body := `{"data":"` + strings.Repeat("abcdef", 2048) + `"}`
		want := testEntry(t, repo, "api-v1", "https://app.example/api/doctors", body)

		var encoding string
		if err := repo.dbConn.Get(&encoding, "SELECT encoding FROM cache_entry WHERE key = ?", want.Key); err != nil {
			t.Fatalf("reading encoding: %v", err)
		}
		if encoding != encodingBrotli {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", encodingBrotli, encoding)
		}

		got, err := repo.MatchEntry("api-v1", want.Key)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if !bytes.Equal(got.Raw, want.Raw) {
			t.Fatalf("\nwanted:\n%d bytes\ngot:\n%d bytes", len(want.Raw), len(got.Raw))
		}
	})

	t.Run("should delete a single entry", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		entry := testEntry(t, repo, "api-v1", "https://app.example/api/profile", `{}`)

		if err := repo.DeleteEntry("api-v1", entry.Key); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		err := repo.DeleteEntry("api-v1", entry.Key)
		if !errors.Is(err, domain.ErrCacheMiss) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrCacheMiss, err)
		}
	})

	t.Run("should list entries without raw responses", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		testEntry(t, repo, "api-v1", "https://app.example/api/profile", `{}`)
		testEntry(t, repo, "api-v1", "https://app.example/api/doctors", `[]`)
		testEntry(t, repo, "static-v1", "https://app.example/", `<html></html>`)

		got, err := repo.GetEntries("api-v1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if len(got) != 2 {
			t.Fatalf("\nwanted:\n2\ngot:\n%d", len(got))
		}

		if got[0].Key != "GET https://app.example/api/doctors" {
			t.Fatalf("\nwanted:\nGET https://app.example/api/doctors\ngot:\n%s", got[0].Key)
		}

		if got[0].Raw != nil {
			t.Fatalf("\nwanted:\nnil raw\ngot:\n%s", got[0].Raw)
		}
	})
}
