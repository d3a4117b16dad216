// Package mirsat provides an offline agent: a local intercepting HTTP/HTTPS proxy that a page
// application is configured to use. Every outbound request of the page passes through the agent,
// which keeps the application usable without connectivity.
//
// The core functionality includes:
//   - Per resource class caching policies over versioned cache generations
//   - A durable queue of offline mutations replayed when connectivity returns
//   - Push notification ingestion and click routing to open pages
//   - Install / activate lifecycle of agent versions with garbage collection of old generations
//   - A control plane, a page event stream and an MCP server for operators
package mirsat

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/martian"
	"github.com/google/martian/fifo"
	"github.com/google/uuid"
	"github.com/tfkr-ae/mirsat/cache"
	"github.com/tfkr-ae/mirsat/control"
	"github.com/tfkr-ae/mirsat/core"
	"github.com/tfkr-ae/mirsat/domain"
	"github.com/tfkr-ae/mirsat/lifecycle"
	"github.com/tfkr-ae/mirsat/listener"
	"github.com/tfkr-ae/mirsat/manifest"
	"github.com/tfkr-ae/mirsat/notify"
	"github.com/tfkr-ae/mirsat/replay"
	"github.com/tfkr-ae/mirsat/sse"
	"github.com/tfkr-ae/mirsat/strategy"
)

const (
	certFile = "mirsat_cert.pem" // Certificate File Name
	keyFile  = "mirsat_key.pem"  // Private Key File Name

	// DBFile is the database file name inside the config dir.
	DBFile = "mirsat.db"
)

var (
	// ErrNoRepository is returned by New when no repository was configured.
	ErrNoRepository = errors.New("no repository configured")

	// ErrUnexpectedPayload is returned by an event handler given a payload of the wrong type.
	ErrUnexpectedPayload = errors.New("unexpected event payload")

	// ErrInvalidLevel is returned by WriteLog for an unknown level.
	ErrInvalidLevel = errors.New("level should be either: debug, info, warn, error, fatal")
)

// Repository defines the storage consumed by the agent: the cache generations, the durable queue,
// the persisted agent state, the log and the counters.
type Repository interface {
	domain.CacheRepository
	domain.ConfigRepository
	domain.QueueRepository
	domain.LogRepository
	domain.StatsRepository
	Close() error
}

// Agent is the main struct that wires the proxy to the caching policies, the queue replay,
// the notification gateway and the lifecycle of agent versions.
type Agent struct {
	martianProxy   *martian.Proxy
	ConfigDir      string                      // The configuration directory
	Config         *Config                     // The agent configuration
	Repo           Repository                  // DB Repository Interface
	Modifiers      *fifo.Group                 // Modifier group pipeline
	DBWriteChannel chan *domain.Log            // Log records waiting to be persisted
	OnLog          func(log *domain.Log) error // Called for every persisted log record
	Logger         *slog.Logger                // Process logger
	Addr           string                      // IP Address of the proxy
	Port           string                      // Port of the proxy
	SPKIHash       string                      // SPKI Hash of the current certificate
	Cert           *x509.Certificate           // Interception CA
	TLSConfig      *tls.Config                 // Server side TLS of the listener
	Rules          strategy.Rules              // Routing rules
	Network        http.RoundTripper           // Transport of every request leaving the agent
	Store          *cache.Store                // Blob cache
	Engine         *strategy.Engine            // Caching policies
	Lifecycle      *lifecycle.Manager          // Agent versions
	Dispatcher     *lifecycle.Dispatcher       // Event dispatch table
	Replay         *replay.Orchestrator        // Queue replay
	Monitor        *replay.Monitor             // Connectivity monitor
	Gateway        *notify.Gateway             // Notifications
	Events         *sse.Broker                 // Connected pages

	logMu     sync.RWMutex
	logClosed bool
	writer    sync.WaitGroup
	closeOnce sync.Once
}

// New creates a new Agent, applies the options and wires the components. A repository is required.
// Without a configuration the defaults are used.
func New(options ...func(*Agent) error) (*Agent, error) {
	agent := &Agent{
		martianProxy:   martian.NewProxy(),
		Modifiers:      fifo.NewGroup(),
		DBWriteChannel: make(chan *domain.Log, 64),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dispatcher:     lifecycle.NewDispatcher(),
	}

	if err := agent.WithOptions(options...); err != nil {
		return nil, err
	}
	if agent.Repo == nil {
		return nil, ErrNoRepository
	}
	if agent.Config == nil {
		agent.Config = DefaultConfig()
	}
	if err := agent.Config.Validate(); err != nil {
		return nil, err
	}

	agent.Events = sse.NewBroker()
	if err := agent.wire(); err != nil {
		agent.Events.Close()
		return nil, fmt.Errorf("wiring agent : %w", err)
	}

	agent.martianProxy.SetRequestModifier(agent.Modifiers)
	agent.martianProxy.SetResponseModifier(agent.Modifiers)

	agent.writer.Add(1)
	go agent.writeToDB()
	return agent, nil
}

// wire builds the components from the configuration.
func (agent *Agent) wire() error {
	cfg := agent.Config
	agent.Rules = cfg.Rules()

	if agent.Network == nil {
		agent.Network = &decodingTransport{base: newUpstreamTransport(cfg.UpstreamFingerprint)}
	}

	agent.Store = cache.NewStore(agent.Repo)

	engineConfig := cfg.EngineConfig()
	engineConfig.Logger = agent.Logger
	engineConfig.OnDetachedError = func(task string, err error) {
		agent.WriteLog("WARN", fmt.Sprintf("Detached %s failed : %s", task, err), core.LogWithContext(map[string]any{"task": task}))
	}
	agent.Engine = strategy.NewEngine(agent.Store, agent.Network, engineConfig)

	manager, err := lifecycle.NewManager(agent.Store, agent.Repo, agent.Network, cfg.AppOrigin,
		lifecycle.WithClaimer(agent.Events),
		lifecycle.WithLogger(agent.Logger),
		lifecycle.WithSkipWaiting(cfg.SkipWaitingOnInstall),
	)
	if err != nil {
		return fmt.Errorf("creating lifecycle manager : %w", err)
	}
	manager.OnActivate = func(registry *cache.Registry) {
		agent.WriteLog("INFO", fmt.Sprintf("Version %s is active", registry.Version()), core.LogWithContext(map[string]any{"generations": registry.Names()}))
	}
	agent.Lifecycle = manager

	client := &http.Client{Transport: agent.Network}
	orchestrator, err := replay.New(agent.Repo, client, cfg.RemoteAPIBase,
		replay.WithPolicy(cfg.Policy()),
		replay.WithLogger(agent.Logger),
	)
	if err != nil {
		return fmt.Errorf("creating sync orchestrator : %w", err)
	}
	orchestrator.OnItemError = func(item *domain.QueueItem, err error) {
		agent.WriteLog("WARN", fmt.Sprintf("Replaying %s mutation failed : %s", item.Domain, err), core.LogWithQueueItemID(item.ID))
	}
	agent.Replay = orchestrator

	agent.Monitor = replay.NewMonitor(client, cfg.checkURL(), cfg.CheckInterval, agent.onRestore)
	agent.Monitor.Logger = agent.Logger

	agent.Events.Opener = agent.OpenBrowser
	gateway, err := notify.NewGateway(agent.Events, agent.Events, cfg.AppOrigin, agent.Logger)
	if err != nil {
		return fmt.Errorf("creating notification gateway : %w", err)
	}
	agent.Gateway = gateway

	agent.registerHandlers()
	return nil
}

// registerHandlers fills the dispatch table.
func (agent *Agent) registerHandlers() {
	d := agent.Dispatcher

	d.Handle(lifecycle.EventInstall, func(ctx context.Context, event lifecycle.Event) (any, error) {
		version, ok := event.Payload.(manifest.Manifest)
		if !ok {
			return nil, fmt.Errorf("%w : %T", ErrUnexpectedPayload, event.Payload)
		}
		if err := agent.Lifecycle.Install(ctx, version); err != nil {
			return nil, err
		}
		return agent.Lifecycle.Status(), nil
	})

	d.Handle(lifecycle.EventActivate, func(ctx context.Context, event lifecycle.Event) (any, error) {
		if err := agent.Lifecycle.Activate(ctx); err != nil {
			return nil, err
		}
		return agent.Lifecycle.Status(), nil
	})

	d.Handle(lifecycle.EventFetch, agent.handleFetch)
	d.Handle(lifecycle.EventSync, agent.handleSync)

	d.Handle(lifecycle.EventPush, func(ctx context.Context, event lifecycle.Event) (any, error) {
		payload, ok := event.Payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w : %T", ErrUnexpectedPayload, event.Payload)
		}
		return agent.Gateway.Push(ctx, payload)
	})

	d.Handle(lifecycle.EventNotificationClick, func(ctx context.Context, event lifecycle.Event) (any, error) {
		click, ok := event.Payload.(notify.ClickEvent)
		if !ok {
			return nil, fmt.Errorf("%w : %T", ErrUnexpectedPayload, event.Payload)
		}
		return agent.Gateway.Click(ctx, click.Notification, click.Action)
	})

	d.Handle(lifecycle.EventMessage, func(ctx context.Context, event lifecycle.Event) (any, error) {
		msg, ok := event.Payload.(domain.ControlMessage)
		if !ok {
			return nil, fmt.Errorf("%w : %T", ErrUnexpectedPayload, event.Payload)
		}
		return nil, agent.Lifecycle.HandleControl(ctx, msg)
	})
}

// handleFetch answers an intercepted request. Before the first activation every request goes to
// the network untouched.
func (agent *Agent) handleFetch(ctx context.Context, event lifecycle.Event) (any, error) {
	req, ok := event.Payload.(*http.Request)
	if !ok {
		return nil, fmt.Errorf("%w : %T", ErrUnexpectedPayload, event.Payload)
	}

	class, ok := classFromContext(req.Context())
	if !ok {
		class = strategy.Classify(strategy.Describe(req), agent.Rules)
	}

	registry := agent.Lifecycle.Registry()
	if registry == nil {
		class = strategy.ClassPassthrough
	}

	res, err := agent.Engine.Respond(req, class, registry)
	if err != nil {
		var opts []func(*domain.Log) error
		if requestID, ok := core.RequestIDFromContext(req.Context()); ok {
			opts = append(opts, core.LogWithRequestID(requestID))
		}
		agent.WriteLog("ERROR", fmt.Sprintf("Fetching %s : %s", req.URL, err), opts...)
		return nil, err
	}
	return res, nil
}

func classFromContext(ctx context.Context) (strategy.Class, bool) {
	metadata, ok := core.MetadataFromContext(ctx)
	if !ok {
		return "", false
	}
	class, ok := metadata[MetadataClass].(strategy.Class)
	return class, ok
}

// handleSync drains the domain of the tag, or every domain for an empty tag.
func (agent *Agent) handleSync(ctx context.Context, event lifecycle.Event) (any, error) {
	tag, ok := event.Payload.(string)
	if !ok {
		return nil, fmt.Errorf("%w : %T", ErrUnexpectedPayload, event.Payload)
	}

	if replay.DomainFromTag(tag) == "" {
		results, err := agent.Replay.SyncAll(ctx)
		if err != nil {
			return nil, err
		}
		for _, result := range results {
			agent.logSync(result)
		}
		return results, nil
	}

	result, err := agent.Replay.Sync(ctx, tag)
	if err != nil {
		return nil, err
	}
	agent.logSync(result)
	return result, nil
}

func (agent *Agent) logSync(result replay.Result) {
	agent.WriteLog("INFO", fmt.Sprintf("Synced %s", result.Domain), core.LogWithContext(map[string]any{
		"replayed": result.Replayed,
		"failed":   result.Failed,
		"dead":     result.Dead,
		"deferred": result.Deferred,
		"pending":  result.Pending,
	}))
}

// onRestore replays every domain once connectivity is back.
func (agent *Agent) onRestore(ctx context.Context) {
	agent.WriteLog("INFO", "Connectivity restored, replaying queued mutations")
	if _, err := agent.Dispatcher.Await(ctx, lifecycle.Event{Kind: lifecycle.EventSync, Payload: ""}); err != nil {
		agent.WriteLog("ERROR", fmt.Sprintf("Replaying after reconnect : %s", err))
	}
}

// RoundTrip dispatches a fetch event for req and waits for the response.
func (agent *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	value, err := agent.Dispatcher.Await(req.Context(), lifecycle.Event{Kind: lifecycle.EventFetch, Payload: req})
	if err != nil {
		return nil, err
	}
	res, ok := value.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("%w : fetch returned %T", ErrUnexpectedPayload, value)
	}
	return res, nil
}

// Start brings the configured version up. The persisted active version is resumed when it matches,
// otherwise the version is installed.
func (agent *Agent) Start(ctx context.Context) error {
	version, err := agent.Config.Manifest()
	if err != nil {
		return fmt.Errorf("loading manifest : %w", err)
	}

	resumed, err := agent.Lifecycle.Resume(ctx, version.Version)
	if err != nil {
		return fmt.Errorf("resuming %s : %w", version.Version, err)
	}
	if resumed {
		agent.WriteLog("INFO", fmt.Sprintf("Resumed version %s", version.Version))
		return nil
	}

	if _, err := agent.Dispatcher.Await(ctx, lifecycle.Event{Kind: lifecycle.EventInstall, Payload: version}); err != nil {
		agent.WriteLog("ERROR", fmt.Sprintf("Installing %s : %s", version.Version, err))
		return err
	}
	return nil
}

// WatchManifest installs every valid change of the manifest file until ctx ends.
// It returns at once when the static assets come from the configuration.
func (agent *Agent) WatchManifest(ctx context.Context) error {
	manifestFile := agent.Config.ManifestFile()
	if manifestFile == "" {
		return nil
	}

	current, err := manifest.Load(manifestFile)
	if err != nil {
		current = manifest.Manifest{}
	}

	return manifest.Watch(ctx, manifestFile, current, agent.Logger, func(version manifest.Manifest) {
		agent.WriteLog("INFO", fmt.Sprintf("Manifest changed, installing %s", version.Version))
		if _, err := agent.Dispatcher.Await(ctx, lifecycle.Event{Kind: lifecycle.EventInstall, Payload: version}); err != nil {
			agent.WriteLog("ERROR", fmt.Sprintf("Installing %s : %s", version.Version, err))
		}
	})
}

// ControlHandler returns the control plane.
func (agent *Agent) ControlHandler() http.Handler {
	handler := control.NewHandler(agent.Dispatcher, agent.Repo, agent.Repo, agent.Lifecycle.Status, agent.Events, agent.Logger)
	return control.NewRouter(handler)
}

// AddRequestModifier accepts RequestModifierFunc and wraps it in a reqAdapter
func (agent *Agent) AddRequestModifier(modifier RequestModifierFunc) {
	agent.Modifiers.AddRequestModifier(&reqAdapter{agent: agent, modifier: modifier})
}

// AddResponseModifier accepts ResponseModifierFunc and wraps it in a resAdapter
func (agent *Agent) AddResponseModifier(modifier ResponseModifierFunc) {
	agent.Modifiers.AddResponseModifier(&resAdapter{agent: agent, modifier: modifier})
}

func (agent *Agent) writeToDB() {
	defer agent.writer.Done()
	for entry := range agent.DBWriteChannel {
		if err := agent.Repo.InsertLog(entry); err != nil {
			agent.Logger.Error("persisting log", slog.String("error", err.Error()))
			continue
		}
		if agent.OnLog != nil {
			if err := agent.OnLog(entry); err != nil {
				agent.Logger.Error("log handler", slog.String("error", err.Error()))
			}
		}
	}
}

var slogLevels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
	"FATAL": slog.LevelError + 4,
}

// WriteLog records a log entry in the process logger and queues it for persistence.
// Entries written after Close are only logged.
func (agent *Agent) WriteLog(level string, message string, options ...func(log *domain.Log) error) error {
	slogLevel, ok := slogLevels[level]
	if !ok {
		return ErrInvalidLevel
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	entry := &domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		if err := option(entry); err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}

	attrs := make([]any, 0, len(entry.Context)+2)
	for key, value := range entry.Context {
		attrs = append(attrs, slog.Any(key, value))
	}
	if entry.RequestID != nil {
		attrs = append(attrs, slog.String("request_id", entry.RequestID.String()))
	}
	if entry.QueueItemID != nil {
		attrs = append(attrs, slog.String("queue_item_id", entry.QueueItemID.String()))
	}
	agent.Logger.Log(context.Background(), slogLevel, message, attrs...)

	agent.logMu.RLock()
	defer agent.logMu.RUnlock()
	if !agent.logClosed {
		agent.DBWriteChannel <- entry
	}
	return nil
}

// Listen opens the proxy listener on address:port. Connections are sniffed for TLS when the
// agent has a TLS configuration, and accept errors other than a closed listener are logged.
func (agent *Agent) Listen(address string, port string) (net.Listener, error) {
	rawListener, err := net.Listen("tcp", net.JoinHostPort(address, port))
	if err != nil {
		return nil, fmt.Errorf("setting up listener on address:port %s:%s : %w", address, port, err)
	}

	var ln net.Listener = rawListener
	if agent.TLSConfig != nil {
		ln = listener.NewProtocolMuxListener(rawListener, agent.TLSConfig)
	}
	ln = listener.NewResilientListener(ln, func(err error) {
		agent.Logger.Debug("accepting connection", slog.String("error", err.Error()))
	})

	agent.Addr = address
	agent.Port = port
	if _, actualPort, err := net.SplitHostPort(rawListener.Addr().String()); err == nil {
		agent.Port = actualPort
	}
	agent.WriteLog("INFO", fmt.Sprintf("Mirsat agent listening on %s:%s", agent.Addr, agent.Port))
	return ln, nil
}

// Serve runs the proxy on the listener until Close.
func (agent *Agent) Serve(ln net.Listener) error {
	var rt http.RoundTripper = agent
	if agent.Cert != nil {
		rt = &mirsatRoundTripper{cert: agent.Cert, base: agent}
	}
	agent.martianProxy.SetRoundTripper(rt)
	return agent.martianProxy.Serve(ln)
}

// Close stops the proxy, waits for in-flight events and detached cache writes, and flushes the log.
func (agent *Agent) Close() {
	agent.closeOnce.Do(func() {
		agent.martianProxy.Close()
		agent.Dispatcher.Wait()
		agent.Engine.Wait()
		agent.Events.Close()

		agent.logMu.Lock()
		agent.logClosed = true
		close(agent.DBWriteChannel)
		agent.logMu.Unlock()
		agent.writer.Wait()
	})
}
