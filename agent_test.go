package mirsat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/mirsat/core"
	"github.com/tfkr-ae/mirsat/db"
	"github.com/tfkr-ae/mirsat/domain"
	"github.com/tfkr-ae/mirsat/lifecycle"
	"github.com/tfkr-ae/mirsat/notify"
	"github.com/tfkr-ae/mirsat/replay"
	"github.com/tfkr-ae/mirsat/strategy"
)

var errOffline = errors.New("network unreachable")

// fakeNetwork answers for the app origin and the remote API until it is taken offline.
type fakeNetwork struct {
	mu       sync.Mutex
	offline  bool
	fetches  map[string]int
	replayed []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{fetches: make(map[string]int)}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fetches[path]
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	offline := n.offline
	if !offline {
		n.fetches[req.URL.Path]++
	}
	n.mu.Unlock()
	if offline {
		return nil, errOffline
	}

	rec := httptest.NewRecorder()
	switch {
	case req.URL.Host == "api.example.com" && req.Method == http.MethodPost:
		body, _ := io.ReadAll(req.Body)
		n.mu.Lock()
		n.replayed = append(n.replayed, req.URL.Path+" "+string(body))
		n.mu.Unlock()
		rec.WriteHeader(http.StatusCreated)
	case strings.HasPrefix(req.URL.Path, "/api/"):
		rec.Header().Set("Content-Type", "application/json")
		rec.WriteHeader(http.StatusOK)
		rec.WriteString(`{"path":"` + req.URL.Path + `"}`)
	default:
		rec.Header().Set("Content-Type", "text/html")
		rec.WriteHeader(http.StatusOK)
		rec.WriteString("asset " + req.URL.Path)
	}

	res := rec.Result()
	res.Request = req
	return res, nil
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.AppOrigin = "https://app.example.com"
	cfg.RemoteAPIBase = "https://api.example.com"
	cfg.Version = "v1"
	cfg.StaticAssets = []string{"/", "/offline.html", "/app.js"}
	return cfg
}

func newTestRepo(t *testing.T) *db.Repository {
	t.Helper()

	dbConn, err := db.New(filepath.Join(t.TempDir(), "mirsat.db"))
	if err != nil {
		t.Fatalf("db.New() failed: %v", err)
	}
	repo := db.NewAgentRepo(dbConn)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestAgent(t *testing.T, options ...func(*Agent) error) (*Agent, *fakeNetwork, *db.Repository) {
	t.Helper()

	repo := newTestRepo(t)
	network := newFakeNetwork()

	options = append([]func(*Agent) error{WithRepo(repo), WithConfig(testConfig()), WithNetwork(network)}, options...)
	agent, err := New(options...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(agent.Close)
	return agent, network, repo
}

func fetch(t *testing.T, agent *Agent, target string, header map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for key, value := range header {
		req.Header.Set(key, value)
	}
	res, err := agent.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip(%s) failed: %v", target, err)
	}
	return res
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(body)
}

func TestNew(t *testing.T) {
	t.Run("should require a repository", func(t *testing.T) {
		_, err := New(WithConfig(testConfig()))
		if !errors.Is(err, ErrNoRepository) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrNoRepository, err)
		}
	})

	t.Run("should reject an invalid configuration", func(t *testing.T) {
		cfg := testConfig()
		cfg.AppOrigin = "app.example.com"

		_, err := New(WithRepo(newTestRepo(t)), WithConfig(cfg))
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrInvalidConfig, err)
		}
	})

	t.Run("should wire every component", func(t *testing.T) {
		agent, _, _ := newTestAgent(t)

		if agent.Engine == nil || agent.Lifecycle == nil || agent.Replay == nil || agent.Monitor == nil || agent.Gateway == nil || agent.Events == nil {
			t.Fatalf("\nwanted:\nall components\ngot:\n%+v", agent)
		}
		if agent.Rules.AppHost != "app.example.com" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "app.example.com", agent.Rules.AppHost)
		}
	})
}

func TestAgent_Start(t *testing.T) {
	t.Run("should install and activate the configured version", func(t *testing.T) {
		agent, network, repo := newTestAgent(t)

		if err := agent.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}

		status := agent.Lifecycle.Status()
		if status.Active != "v1" || status.State != lifecycle.StateActive {
			t.Fatalf("\nwanted:\nv1 active\ngot:\n%+v", status)
		}
		for _, asset := range []string{"/", "/offline.html", "/app.js"} {
			if network.count(asset) != 1 {
				t.Fatalf("\nwanted:\n1 fetch of %s\ngot:\n%d", asset, network.count(asset))
			}
		}

		active, err := repo.GetActiveVersion()
		if err != nil || active != "v1" {
			t.Fatalf("\nwanted:\nv1\ngot:\n%q (%v)", active, err)
		}
	})

	t.Run("should fail and stay inactive when an asset cannot be fetched", func(t *testing.T) {
		agent, network, _ := newTestAgent(t)
		network.setOffline(true)

		err := agent.Start(context.Background())
		if !errors.Is(err, lifecycle.ErrInstallFailed) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", lifecycle.ErrInstallFailed, err)
		}
		if agent.Lifecycle.Registry() != nil {
			t.Fatalf("\nwanted:\nno active version\ngot:\n%s", agent.Lifecycle.Version())
		}
	})

	t.Run("should resume the persisted version without fetching", func(t *testing.T) {
		repo := newTestRepo(t)
		network := newFakeNetwork()

		first, err := New(WithRepo(repo), WithConfig(testConfig()), WithNetwork(network))
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		if err := first.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		first.Close()

		second, err := New(WithRepo(repo), WithConfig(testConfig()), WithNetwork(network))
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(second.Close)

		if err := second.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		if second.Lifecycle.Version() != "v1" {
			t.Fatalf("\nwanted:\nv1\ngot:\n%s", second.Lifecycle.Version())
		}
		if network.count("/app.js") != 1 {
			t.Fatalf("\nwanted:\n1 fetch\ngot:\n%d", network.count("/app.js"))
		}
	})
}

func TestAgent_RoundTrip(t *testing.T) {
	t.Run("should pass requests through before the first activation", func(t *testing.T) {
		agent, network, _ := newTestAgent(t)

		res := fetch(t, agent, "https://app.example.com/app.js", nil)
		if got := readBody(t, res); got != "asset /app.js" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "asset /app.js", got)
		}
		if network.count("/app.js") != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", network.count("/app.js"))
		}
	})

	t.Run("should serve precached static assets without the network", func(t *testing.T) {
		agent, network, _ := newTestAgent(t)
		if err := agent.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		network.setOffline(true)

		res := fetch(t, agent, "https://app.example.com/app.js", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, res.StatusCode)
		}
		if got := readBody(t, res); got != "asset /app.js" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "asset /app.js", got)
		}
	})

	t.Run("should serve the offline document for failed navigations", func(t *testing.T) {
		agent, network, _ := newTestAgent(t)
		if err := agent.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		network.setOffline(true)

		res := fetch(t, agent, "https://app.example.com/dashboard", map[string]string{"Sec-Fetch-Mode": "navigate"})
		if got := readBody(t, res); got != "asset /offline.html" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "asset /offline.html", got)
		}
	})

	t.Run("should fall back to the cached API response when offline", func(t *testing.T) {
		agent, network, _ := newTestAgent(t)
		if err := agent.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}

		live := fetch(t, agent, "https://app.example.com/api/appointments", nil)
		readBody(t, live)
		agent.Engine.Wait()

		network.setOffline(true)
		res := fetch(t, agent, "https://app.example.com/api/appointments", nil)
		if res.Header.Get(strategy.HeaderServedFrom) != "cache" {
			t.Fatalf("\nwanted:\ncache\ngot:\n%q", res.Header.Get(strategy.HeaderServedFrom))
		}
		if got := readBody(t, res); got != `{"path":"/api/appointments"}` {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", `{"path":"/api/appointments"}`, got)
		}
	})

	t.Run("should answer uncached critical endpoints with the offline body", func(t *testing.T) {
		agent, network, _ := newTestAgent(t)
		if err := agent.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		network.setOffline(true)

		res := fetch(t, agent, "https://app.example.com/api/emergency", nil)
		if res.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusServiceUnavailable, res.StatusCode)
		}

		var body strategy.OfflineBody
		if err := json.Unmarshal([]byte(readBody(t, res)), &body); err != nil {
			t.Fatalf("decoding offline body: %v", err)
		}
		if !body.Offline || body.Error != "offline" {
			t.Fatalf("\nwanted:\noffline body\ngot:\n%+v", body)
		}
	})

	t.Run("should use the class recorded by the pipeline", func(t *testing.T) {
		agent, network, _ := newTestAgent(t)
		if err := agent.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		network.setOffline(true)

		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/app.js", nil)
		if err := SetupRequestModifier(agent, req); err != nil {
			t.Fatalf("SetupRequestModifier() failed: %v", err)
		}
		core.SetMetadata(req.Context(), MetadataClass, strategy.ClassPassthrough)

		if _, err := agent.RoundTrip(req); !errors.Is(err, errOffline) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", errOffline, err)
		}
	})
}

func TestAgent_Serve(t *testing.T) {
	agent, _, _ := newTestAgent(t, WithConfigDir(t.TempDir()), WithConfig(testConfig()), WithTLS(), WithDefaultModifiers())

	ln, err := agent.Listen("127.0.0.1", "0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	go agent.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	proxyURL, err := url.Parse("http://127.0.0.1:" + agent.Port)
	if err != nil {
		t.Fatalf("parsing proxy url: %v", err)
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
	}

	t.Run("should proxy requests through the strategy engine", func(t *testing.T) {
		res, err := client.Get("http://app.example.com/page.css")
		if err != nil {
			t.Fatalf("proxied GET failed: %v", err)
		}
		if got := readBody(t, res); got != "asset /page.css" {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", "asset /page.css", got)
		}
	})

	t.Run("should serve the CA certificate", func(t *testing.T) {
		res, err := client.Get("http://" + CertHost + "/")
		if err != nil {
			t.Fatalf("proxied GET failed: %v", err)
		}
		if got := readBody(t, res); got != string(agent.Cert.Raw) {
			t.Fatalf("\nwanted:\n%d bytes\ngot:\n%d bytes", len(agent.Cert.Raw), len(got))
		}
	})

	t.Run("should persist the SPKI hash", func(t *testing.T) {
		spki, err := agent.Repo.GetSPKI()
		if err != nil || spki != agent.SPKIHash {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s (%v)", agent.SPKIHash, spki, err)
		}
	})
}

func TestAgent_Sync(t *testing.T) {
	enqueue := func(t *testing.T, repo *db.Repository, domainName string, payload string) {
		t.Helper()
		id, err := uuid.NewV7()
		if err != nil {
			t.Fatalf("generating id: %v", err)
		}
		item := &domain.QueueItem{ID: id, Domain: domainName, Payload: json.RawMessage(payload), EnqueuedAt: time.Now()}
		if err := repo.EnqueueItem(item); err != nil {
			t.Fatalf("EnqueueItem() failed: %v", err)
		}
	}

	t.Run("should replay a tagged domain in order", func(t *testing.T) {
		agent, network, repo := newTestAgent(t)
		enqueue(t, repo, "messages", `{"n":1}`)
		enqueue(t, repo, "messages", `{"n":2}`)

		value, err := agent.Dispatcher.Await(context.Background(), lifecycle.Event{Kind: lifecycle.EventSync, Payload: "sync-messages"})
		if err != nil {
			t.Fatalf("sync failed: %v", err)
		}

		result := value.(replay.Result)
		if result.Replayed != 2 || result.Pending != 0 {
			t.Fatalf("\nwanted:\n2 replayed, 0 pending\ngot:\n%+v", result)
		}

		want := []string{`/api/messages {"n":1}`, `/api/messages {"n":2}`}
		if strings.Join(network.replayed, "|") != strings.Join(want, "|") {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, network.replayed)
		}
	})

	t.Run("should replay every domain when connectivity returns", func(t *testing.T) {
		agent, network, repo := newTestAgent(t)
		enqueue(t, repo, "appointments", `{"a":1}`)
		enqueue(t, repo, "payments", `{"p":1}`)

		network.setOffline(true)
		if agent.Monitor.Check(context.Background()) {
			t.Fatal("\nwanted:\noffline\ngot:\nonline")
		}

		network.setOffline(false)
		if !agent.Monitor.Check(context.Background()) {
			t.Fatal("\nwanted:\nonline\ngot:\noffline")
		}

		pending, err := repo.CountPending()
		if err != nil || pending != 0 {
			t.Fatalf("\nwanted:\n0 pending\ngot:\n%d (%v)", pending, err)
		}
	})
}

func TestAgent_Notifications(t *testing.T) {
	agent, _, _ := newTestAgent(t)

	value, err := agent.Dispatcher.Await(context.Background(), lifecycle.Event{Kind: lifecycle.EventPush, Payload: []byte(`{"title":"Reminder","data":{"type":"appointment"}}`)})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	intent := value.(domain.NotificationIntent)
	if intent.Title != "Reminder" {
		t.Fatalf("\nwanted:\n%s\ngot:\n%s", "Reminder", intent.Title)
	}

	_, unsubscribe := agent.Events.Subscribe("page-1", "https://app.example.com/appointments")
	defer unsubscribe()

	value, err = agent.Dispatcher.Await(context.Background(), lifecycle.Event{Kind: lifecycle.EventNotificationClick, Payload: notify.ClickEvent{Notification: intent}})
	if err != nil {
		t.Fatalf("click failed: %v", err)
	}
	result := value.(notify.ClickResult)
	if result.Focused != "page-1" || result.Target != "https://app.example.com/appointments" {
		t.Fatalf("\nwanted:\nfocused https://app.example.com/appointments\ngot:\n%+v", result)
	}
}

func TestAgent_ControlHandler(t *testing.T) {
	agent, _, _ := newTestAgent(t)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	router := agent.ControlHandler()

	t.Run("should answer GET_VERSION", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/control", strings.NewReader(`{"type":"GET_VERSION"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, w.Code)
		}
		var reply domain.VersionReply
		if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil || reply.Version != "v1" {
			t.Fatalf("\nwanted:\nv1\ngot:\n%s (%v)", w.Body.String(), err)
		}
	})

	t.Run("should be ready once a version is active", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusOK, w.Code)
		}
	})
}

func TestAgent_WriteLog(t *testing.T) {
	t.Run("should reject unknown levels", func(t *testing.T) {
		agent, _, _ := newTestAgent(t)
		if err := agent.WriteLog("TRACE", "nothing"); !errors.Is(err, ErrInvalidLevel) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrInvalidLevel, err)
		}
	})

	t.Run("should persist entries and call the log handler", func(t *testing.T) {
		var mu sync.Mutex
		var seen []string
		agent, _, repo := newTestAgent(t, WithLogHandler(func(log *domain.Log) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, log.Message)
			return nil
		}))

		if err := agent.WriteLog("INFO", "hello mirsat"); err != nil {
			t.Fatalf("WriteLog() failed: %v", err)
		}
		agent.Close()

		logs, err := repo.GetLogs()
		if err != nil {
			t.Fatalf("GetLogs() failed: %v", err)
		}
		found := false
		for _, entry := range logs {
			if entry.Message == "hello mirsat" && entry.Level == "INFO" {
				found = true
			}
		}
		if !found {
			t.Fatalf("\nwanted:\nhello mirsat persisted\ngot:\n%v", logs)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(seen) != 1 || seen[0] != "hello mirsat" {
			t.Fatalf("\nwanted:\n[hello mirsat]\ngot:\n%v", seen)
		}
	})

	t.Run("should not block after close", func(t *testing.T) {
		agent, _, _ := newTestAgent(t)
		agent.Close()

		if err := agent.WriteLog("INFO", "late"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})
}
