// Package lifecycle versions the agent: it installs a version by precaching its static assets,
// activates it by garbage collecting every other cache generation, and answers the control plane.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/tfkr-ae/mirsat/cache"
	"github.com/tfkr-ae/mirsat/domain"
	"github.com/tfkr-ae/mirsat/manifest"
)

// State of one agent version.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

var (
	ErrInstallFailed    = errors.New("install failed")
	ErrNoWaitingVersion = errors.New("no waiting version")
)

// Claimer takes control of every open page for a version.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

// Status is a snapshot of the manager.
type Status struct {
	Active  string `json:"active"`
	Waiting string `json:"waiting,omitempty"`
	State   State  `json:"state"`
}

// Manager tracks the agent versions. One version is active at a time; a newly installed version
// waits until it is promoted unless nothing is active yet.
type Manager struct {
	store   *cache.Store
	config  domain.ConfigRepository
	network http.RoundTripper
	origin  *url.URL
	roles   []domain.CacheRole
	claimer Claimer
	logger  *slog.Logger

	skipWaiting bool

	// OnActivate is called with the registry of every version that becomes active.
	OnActivate func(registry *cache.Registry)

	installMu sync.Mutex

	mu      sync.RWMutex
	active  *cache.Registry
	waiting *cache.Registry
	states  map[string]State
}

// Option configures a Manager.
type Option func(*Manager) error

// WithRoles sets the generation roles a version keeps on activation.
func WithRoles(roles ...domain.CacheRole) Option {
	return func(m *Manager) error {
		if !slices.Contains(roles, domain.RoleStatic) {
			return fmt.Errorf("roles %v must include %s", roles, domain.RoleStatic)
		}
		m.roles = roles
		return nil
	}
}

// WithClaimer sets who is told about activations.
func WithClaimer(claimer Claimer) Option {
	return func(m *Manager) error {
		m.claimer = claimer
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			return fmt.Errorf("logger is nil")
		}
		m.logger = logger
		return nil
	}
}

// WithSkipWaiting activates every installed version at once.
func WithSkipWaiting(skip bool) Option {
	return func(m *Manager) error {
		m.skipWaiting = skip
		return nil
	}
}

// NewManager returns a Manager precaching from appOrigin through network.
func NewManager(store *cache.Store, config domain.ConfigRepository, network http.RoundTripper, appOrigin string, options ...Option) (*Manager, error) {
	origin, err := url.Parse(appOrigin)
	if err != nil {
		return nil, fmt.Errorf("parsing app origin %q : %w", appOrigin, err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("app origin %q must be absolute", appOrigin)
	}

	m := &Manager{
		store:   store,
		config:  config,
		network: network,
		origin:  origin,
		roles:   cache.DefaultRoles,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		states:  make(map[string]State),
	}

	for _, option := range options {
		if err := option(m); err != nil {
			return nil, fmt.Errorf("applying lifecycle option : %w", err)
		}
	}
	return m, nil
}

// Registry returns the generations of the active version, or nil before the first activation.
func (m *Manager) Registry() *cache.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Version returns the active version tag, or an empty string.
func (m *Manager) Version() string {
	if registry := m.Registry(); registry != nil {
		return registry.Version()
	}
	return ""
}

// State returns the state of version. Unknown versions are redundant.
func (m *Manager) State(version string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[version]; ok {
		return state
	}
	return StateRedundant
}

// Status returns the active and waiting versions.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{State: StateInstalling}
	if m.active != nil {
		status.Active = m.active.Version()
		status.State = m.states[status.Active]
	}
	if m.waiting != nil {
		status.Waiting = m.waiting.Version()
	}
	return status
}

func (m *Manager) setState(version string, state State) {
	m.mu.Lock()
	m.states[version] = state
	m.mu.Unlock()
	m.logger.Info("lifecycle state", "version", version, "state", state)
}

// Resume makes version active again after a restart when it was the last active version and its
// static generation survived. It reports whether the version was resumed.
func (m *Manager) Resume(ctx context.Context, version string) (bool, error) {
	stored, err := m.config.GetActiveVersion()
	if err != nil {
		return false, fmt.Errorf("reading active version : %w", err)
	}
	if stored == "" || stored != version {
		return false, nil
	}

	registry := cache.NewRegistry(version, m.roles...)
	generations, err := m.store.Generations()
	if err != nil {
		return false, fmt.Errorf("listing generations : %w", err)
	}
	found := slices.ContainsFunc(generations, func(gen *domain.CacheGeneration) bool {
		return gen.Name == registry.Name(domain.RoleStatic)
	})
	if !found {
		return false, nil
	}

	m.store.Adopt(registry)

	m.mu.Lock()
	m.active = registry
	m.states[version] = StateActive
	m.mu.Unlock()

	m.logger.Info("lifecycle resumed", "version", version)
	if m.OnActivate != nil {
		m.OnActivate(registry)
	}
	return true, nil
}

// Install precaches every asset of the manifest into the static generation of its version.
// Any failed asset fails the install: the version becomes redundant and the active version is kept.
// An installed version activates at once when nothing is active or waiting is skipped.
func (m *Manager) Install(ctx context.Context, version manifest.Manifest) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	if version.Version == m.Version() {
		m.logger.Debug("version already active", "version", version.Version)
		return nil
	}

	registry := cache.NewRegistry(version.Version, m.roles...)
	m.setState(version.Version, StateInstalling)

	if err := m.precache(ctx, registry, version.Assets); err != nil {
		m.setState(version.Version, StateRedundant)
		if _, delErr := m.store.DeleteGeneration(registry.Name(domain.RoleStatic)); delErr != nil {
			m.logger.Warn("removing partial install", "version", version.Version, "error", delErr)
		}
		return fmt.Errorf("%w : %s : %w", ErrInstallFailed, version.Version, err)
	}

	m.mu.Lock()
	previous := m.waiting
	m.waiting = registry
	m.states[version.Version] = StateInstalled
	hasActive := m.active != nil
	m.mu.Unlock()

	if previous != nil && previous.Version() != version.Version {
		m.setState(previous.Version(), StateRedundant)
		if _, err := m.store.DeleteGeneration(previous.Name(domain.RoleStatic)); err != nil {
			m.logger.Warn("removing replaced version", "version", previous.Version(), "error", err)
		}
	}
	m.logger.Info("lifecycle state", "version", version.Version, "state", StateInstalled)

	if !hasActive || m.skipWaiting {
		return m.Activate(ctx)
	}
	return nil
}

func (m *Manager) precache(ctx context.Context, registry *cache.Registry, assets []string) error {
	gen := registry.Generation(domain.RoleStatic)
	if err := m.store.Open(gen); err != nil {
		return err
	}

	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.precacheAsset(ctx, gen.Name, asset); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) precacheAsset(ctx context.Context, generation string, asset string) error {
	ref, err := url.Parse(asset)
	if err != nil {
		return fmt.Errorf("parsing asset %q : %w", asset, err)
	}
	target := m.origin.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("building request for %s : %w", target, err)
	}

	res, err := m.network.RoundTrip(req)
	if err != nil {
		return fmt.Errorf("fetching %s : %w", target, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("fetching %s : status %d", target, res.StatusCode)
	}

	entry, err := cache.Capture(generation, req, res)
	if err != nil {
		return err
	}
	return m.store.Put(entry)
}

// Activate promotes the waiting version: every generation it does not own is deleted, the version
// is persisted as active and every open page is claimed.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	registry := m.waiting
	if registry == nil {
		m.mu.Unlock()
		return ErrNoWaitingVersion
	}
	previous := m.active
	m.states[registry.Version()] = StateActivating
	m.mu.Unlock()

	deleted, err := m.store.Prune(registry)
	if err != nil {
		m.logger.Warn("pruning generations", "version", registry.Version(), "error", err)
	}
	if len(deleted) > 0 {
		m.logger.Info("generations removed", "version", registry.Version(), "deleted", deleted)
	}

	if err := m.config.SetActiveVersion(registry.Version()); err != nil {
		m.setState(registry.Version(), StateInstalled)
		return fmt.Errorf("persisting active version %s : %w", registry.Version(), err)
	}

	m.mu.Lock()
	m.active = registry
	m.waiting = nil
	m.states[registry.Version()] = StateActive
	if previous != nil {
		m.states[previous.Version()] = StateRedundant
	}
	m.mu.Unlock()

	m.logger.Info("lifecycle state", "version", registry.Version(), "state", StateActive)
	if m.OnActivate != nil {
		m.OnActivate(registry)
	}

	if m.claimer != nil {
		if err := m.claimer.Claim(ctx, registry.Version()); err != nil {
			m.logger.Warn("claiming pages", "version", registry.Version(), "error", err)
		}
	}
	return nil
}

// SkipWaiting activates the waiting version now.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	return m.Activate(ctx)
}

// ClearCache deletes every cache generation, including the active ones.
func (m *Manager) ClearCache(ctx context.Context) error {
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("clearing caches : %w", err)
	}
	m.logger.Info("caches cleared")
	return nil
}

// HandleControl executes a control message and sends its reply, if the command has one and the
// sender asked for it.
func (m *Manager) HandleControl(ctx context.Context, msg domain.ControlMessage) error {
	var reply any
	var err error

	switch msg.Command.(type) {
	case domain.SkipWaiting:
		if err := m.SkipWaiting(ctx); err != nil && !errors.Is(err, ErrNoWaitingVersion) {
			return err
		}
		return nil
	case domain.GetVersion:
		reply = domain.VersionReply{Version: m.Version()}
	case domain.ClearCache:
		err = m.ClearCache(ctx)
		if err != nil {
			m.logger.Error("clear cache", "error", err)
		}
		reply = domain.ClearCacheReply{Success: err == nil}
	default:
		return fmt.Errorf("%w : %T", domain.ErrUnknownControlMessage, msg.Command)
	}

	if msg.Reply == nil {
		return nil
	}
	select {
	case msg.Reply <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
