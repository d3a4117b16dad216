package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/tfkr-ae/mirsat/cache"
	"github.com/tfkr-ae/mirsat/db"
	"github.com/tfkr-ae/mirsat/domain"
	"github.com/tfkr-ae/mirsat/manifest"
	"github.com/tfkr-ae/mirsat/strategy"
)

var errNetworkDown = errors.New("network down")

// appOrigin serves every path except the ones marked down.
type appOrigin struct {
	mu   sync.Mutex
	down map[string]bool
}

func (o *appOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	down := o.down[req.URL.Path] || o.down["*"]
	o.mu.Unlock()
	if down {
		return nil, errNetworkDown
	}

	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/html")
	rec.WriteHeader(http.StatusOK)
	rec.WriteString("<html>" + req.URL.Path + "</html>")
	res := rec.Result()
	res.Request = req
	return res, nil
}

func (o *appOrigin) setDown(path string, down bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.down[path] = down
}

// gatedNetwork holds the request for path until release is closed.
type gatedNetwork struct {
	path    string
	started chan struct{}
	release chan struct{}
}

func (g *gatedNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path == g.path {
		close(g.started)
		<-g.release
	}

	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/css")
	rec.WriteString("body{}")
	res := rec.Result()
	res.Request = req
	return res, nil
}

type claims struct {
	mu       sync.Mutex
	versions []string
}

func (c *claims) Claim(ctx context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = append(c.versions, version)
	return nil
}

func setupManager(t *testing.T, options ...Option) (*Manager, *appOrigin, *cache.Store, *db.Repository) {
	t.Helper()

	dbConn, err := db.New(filepath.Join(t.TempDir(), "lifecycle.db"))
	if err != nil {
		t.Fatalf("db.New() failed: %v", err)
	}
	repo := db.NewAgentRepo(dbConn)
	t.Cleanup(func() { repo.Close() })

	origin := &appOrigin{down: make(map[string]bool)}
	store := cache.NewStore(repo)

	manager, err := NewManager(store, repo, origin, "https://app.example.com", options...)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return manager, origin, store, repo
}

func generationNames(t *testing.T, store *cache.Store) []string {
	t.Helper()

	generations, err := store.Generations()
	if err != nil {
		t.Fatalf("Generations() failed: %v", err)
	}
	var names []string
	for _, gen := range generations {
		names = append(names, gen.Name)
	}
	slices.Sort(names)
	return names
}

var v1 = manifest.Manifest{Version: "v1", Assets: []string{"/", "/offline.html"}}

func TestManager_Install(t *testing.T) {
	t.Run("should precache every asset and activate the first version", func(t *testing.T) {
		claimer := &claims{}
		manager, _, store, repo := setupManager(t, WithClaimer(claimer))

		if err := manager.Install(context.Background(), v1); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}

		if manager.Version() != "v1" || manager.State("v1") != StateActive {
			t.Errorf("\nwanted:\nv1 active\ngot:\n%s %s", manager.Version(), manager.State("v1"))
		}

		keys, err := store.Keys("static-v1")
		if err != nil {
			t.Fatalf("Keys() failed: %v", err)
		}
		want := []string{"GET https://app.example.com/", "GET https://app.example.com/offline.html"}
		slices.Sort(keys)
		if !slices.Equal(keys, want) {
			t.Errorf("\nwanted:\n%v\ngot:\n%v", want, keys)
		}

		stored, _ := repo.GetActiveVersion()
		if stored != "v1" {
			t.Errorf("\nwanted:\nv1 persisted\ngot:\n%s", stored)
		}
		if !slices.Equal(claimer.versions, []string{"v1"}) {
			t.Errorf("\nwanted:\n[v1] claimed\ngot:\n%v", claimer.versions)
		}
	})

	t.Run("should fail when the offline document cannot be fetched", func(t *testing.T) {
		manager, origin, store, _ := setupManager(t)
		origin.setDown("/offline.html", true)

		err := manager.Install(context.Background(), v1)
		if !errors.Is(err, ErrInstallFailed) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrInstallFailed, err)
		}

		if manager.State("v1") != StateRedundant || manager.Registry() != nil {
			t.Errorf("\nwanted:\nv1 redundant and nothing active\ngot:\n%s", manager.State("v1"))
		}
		if names := generationNames(t, store); len(names) != 0 {
			t.Errorf("\nwanted:\nno partial generation\ngot:\n%v", names)
		}
	})

	t.Run("should fail with the network down", func(t *testing.T) {
		manager, origin, _, _ := setupManager(t)
		origin.setDown("*", true)

		if err := manager.Install(context.Background(), v1); !errors.Is(err, ErrInstallFailed) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrInstallFailed, err)
		}
	})

	t.Run("should keep the active version when an update fails", func(t *testing.T) {
		manager, origin, _, _ := setupManager(t)
		if err := manager.Install(context.Background(), v1); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}

		origin.setDown("/app.js", true)
		v2 := manifest.Manifest{Version: "v2", Assets: []string{"/", "/app.js"}}
		if err := manager.Install(context.Background(), v2); !errors.Is(err, ErrInstallFailed) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrInstallFailed, err)
		}

		if manager.Version() != "v1" {
			t.Errorf("\nwanted:\nv1\ngot:\n%s", manager.Version())
		}
	})

	t.Run("should make a new version wait while another is active", func(t *testing.T) {
		manager, _, _, _ := setupManager(t)
		if err := manager.Install(context.Background(), v1); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}

		v2 := manifest.Manifest{Version: "v2", Assets: []string{"/"}}
		if err := manager.Install(context.Background(), v2); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}

		status := manager.Status()
		if status.Active != "v1" || status.Waiting != "v2" || manager.State("v2") != StateInstalled {
			t.Errorf("\nwanted:\nv1 active v2 waiting\ngot:\n%+v", status)
		}
	})

	t.Run("should activate at once with skip waiting", func(t *testing.T) {
		manager, _, _, _ := setupManager(t, WithSkipWaiting(true))
		if err := manager.Install(context.Background(), v1); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}
		if err := manager.Install(context.Background(), manifest.Manifest{Version: "v2", Assets: []string{"/"}}); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}

		if manager.Version() != "v2" || manager.State("v1") != StateRedundant {
			t.Errorf("\nwanted:\nv2 active v1 redundant\ngot:\n%s %s", manager.Version(), manager.State("v1"))
		}
	})
}

func TestManager_Activate(t *testing.T) {
	t.Run("should delete every generation the new version does not own", func(t *testing.T) {
		manager, _, store, _ := setupManager(t)
		if err := manager.Install(context.Background(), v1); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}

		for _, name := range []string{"dynamic-v1", "api-v1", "images-v1", "static-v0"} {
			gen := &domain.CacheGeneration{Name: name, Role: cache.RoleOf(name), Version: "v1"}
			if err := store.Open(gen); err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
		}

		if err := manager.Install(context.Background(), manifest.Manifest{Version: "v2", Assets: []string{"/"}}); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}
		if err := manager.SkipWaiting(context.Background()); err != nil {
			t.Fatalf("SkipWaiting() failed: %v", err)
		}

		want := []string{"static-v2"}
		if got := generationNames(t, store); !slices.Equal(got, want) {
			t.Errorf("\nwanted:\n%v\ngot:\n%v", want, got)
		}
		if manager.Version() != "v2" {
			t.Errorf("\nwanted:\nv2\ngot:\n%s", manager.Version())
		}
	})

	t.Run("should fail without a waiting version", func(t *testing.T) {
		manager, _, _, _ := setupManager(t)

		if err := manager.Activate(context.Background()); !errors.Is(err, ErrNoWaitingVersion) {
			t.Errorf("\nwanted:\n%v\ngot:\n%v", ErrNoWaitingVersion, err)
		}
	})

	t.Run("a write started before activation should not bring back the old version", func(t *testing.T) {
		manager, _, store, _ := setupManager(t, WithSkipWaiting(true))
		if err := manager.Install(context.Background(), v1); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}

		slow := &gatedNetwork{path: "/slow.css", started: make(chan struct{}), release: make(chan struct{})}
		engine := strategy.NewEngine(store, slow, strategy.DefaultConfig())
		registry := manager.Registry()

		served := make(chan *http.Response, 1)
		go func() {
			req := httptest.NewRequest(http.MethodGet, "https://app.example.com/slow.css", nil)
			served <- engine.CacheFirst(req, registry.Name(domain.RoleStatic))
		}()
		<-slow.started

		if err := manager.Install(context.Background(), manifest.Manifest{Version: "v2", Assets: []string{"/"}}); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}
		close(slow.release)

		res := <-served
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Errorf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, res.StatusCode)
		}
		engine.Wait()

		want := []string{"static-v2"}
		if got := generationNames(t, store); !slices.Equal(got, want) {
			t.Errorf("\nwanted:\n%v\ngot:\n%v", want, got)
		}
	})

	t.Run("the active version should create its runtime generations on first write", func(t *testing.T) {
		manager, _, store, _ := setupManager(t)
		if err := manager.Install(context.Background(), v1); err != nil {
			t.Fatalf("Install() failed: %v", err)
		}

		engine := strategy.NewEngine(store, &appOrigin{down: map[string]bool{}}, strategy.DefaultConfig())
		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/feed", nil)
		res := engine.StaleWhileRevalidate(req, manager.Registry().Name(domain.RoleDynamic))
		res.Body.Close()
		engine.Wait()

		want := []string{"dynamic-v1", "static-v1"}
		if got := generationNames(t, store); !slices.Equal(got, want) {
			t.Errorf("\nwanted:\n%v\ngot:\n%v", want, got)
		}
	})
}

func TestManager_Resume(t *testing.T) {
	manager, _, store, repo := setupManager(t)
	if err := manager.Install(context.Background(), v1); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}

	t.Run("should resume the persisted version", func(t *testing.T) {
		restarted, err := NewManager(store, repo, &appOrigin{down: map[string]bool{"*": true}}, "https://app.example.com")
		if err != nil {
			t.Fatalf("NewManager() failed: %v", err)
		}

		resumed, err := restarted.Resume(context.Background(), "v1")
		if err != nil {
			t.Fatalf("Resume() failed: %v", err)
		}
		if !resumed || restarted.Version() != "v1" {
			t.Errorf("\nwanted:\nv1 resumed\ngot:\n%v %s", resumed, restarted.Version())
		}
	})

	t.Run("should not resume another version", func(t *testing.T) {
		restarted, _ := NewManager(store, repo, &appOrigin{down: map[string]bool{}}, "https://app.example.com")

		resumed, err := restarted.Resume(context.Background(), "v2")
		if err != nil {
			t.Fatalf("Resume() failed: %v", err)
		}
		if resumed {
			t.Error("expected v2 not to be resumed")
		}
	})

	t.Run("should not resume without the static generation", func(t *testing.T) {
		if _, err := store.DeleteGeneration("static-v1"); err != nil {
			t.Fatalf("DeleteGeneration() failed: %v", err)
		}
		restarted, _ := NewManager(store, repo, &appOrigin{down: map[string]bool{}}, "https://app.example.com")

		resumed, err := restarted.Resume(context.Background(), "v1")
		if err != nil {
			t.Fatalf("Resume() failed: %v", err)
		}
		if resumed {
			t.Error("expected v1 not to be resumed")
		}
	})
}

func TestManager_HandleControl(t *testing.T) {
	manager, _, store, _ := setupManager(t)
	if err := manager.Install(context.Background(), v1); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}

	t.Run("should reply with the version", func(t *testing.T) {
		reply := make(chan any, 1)
		if err := manager.HandleControl(context.Background(), domain.ControlMessage{Command: domain.GetVersion{}, Reply: reply}); err != nil {
			t.Fatalf("HandleControl() failed: %v", err)
		}

		want := domain.VersionReply{Version: "v1"}
		if got := <-reply; got != want {
			t.Errorf("\nwanted:\n%v\ngot:\n%v", want, got)
		}
	})

	t.Run("should not reply to skip waiting", func(t *testing.T) {
		reply := make(chan any, 1)
		if err := manager.HandleControl(context.Background(), domain.ControlMessage{Command: domain.SkipWaiting{}, Reply: reply}); err != nil {
			t.Fatalf("HandleControl() failed: %v", err)
		}
		if len(reply) != 0 {
			t.Errorf("\nwanted:\nno reply\ngot:\n%v", <-reply)
		}
	})

	t.Run("should clear every generation", func(t *testing.T) {
		reply := make(chan any, 1)
		if err := manager.HandleControl(context.Background(), domain.ControlMessage{Command: domain.ClearCache{}, Reply: reply}); err != nil {
			t.Fatalf("HandleControl() failed: %v", err)
		}

		want := domain.ClearCacheReply{Success: true}
		if got := <-reply; got != want {
			t.Errorf("\nwanted:\n%v\ngot:\n%v", want, got)
		}
		if names := generationNames(t, store); len(names) != 0 {
			t.Errorf("\nwanted:\nno generations\ngot:\n%v", names)
		}
	})
}
