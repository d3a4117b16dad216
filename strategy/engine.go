package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tfkr-ae/mirsat/cache"
	"github.com/tfkr-ae/mirsat/domain"
	"golang.org/x/sync/singleflight"
)

const (
	// HeaderServedFrom marks responses delivered from the cache instead of the network.
	HeaderServedFrom = "X-Served-From"

	servedFromCache = "cache"

	defaultRevalidateTimeout = 30 * time.Second
)

// Config configures an Engine.
type Config struct {
	// CacheableEndpoints are the API path prefixes whose live responses are stored.
	CacheableEndpoints []string
	// CriticalEndpoints are the API path prefixes answered with a structured offline body.
	CriticalEndpoints []string
	// OfflineDocument is the document served for failed navigations. A path is resolved
	// against AppOrigin, or against the origin of the navigation when AppOrigin is empty.
	OfflineDocument string
	// AppOrigin is the origin the offline document was precached from.
	AppOrigin string
	// RevalidateTimeout bounds a background revalidation fetch.
	RevalidateTimeout time.Duration
	// Logger receives detached task failures. Nil discards them.
	Logger *slog.Logger
	// OnDetachedError is called for every failed detached task.
	OnDetachedError func(task string, err error)
}

// DefaultConfig returns the endpoint lists and offline document used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		CacheableEndpoints: []string{"/api/profile", "/api/appointments", "/api/doctors", "/api/prescriptions"},
		CriticalEndpoints:  []string{"/api/profile", "/api/appointments", "/api/emergency"},
		OfflineDocument:    "/offline.html",
		RevalidateTimeout:  defaultRevalidateTimeout,
	}
}

// Engine executes the caching policies.
// Every policy returns a response; network errors never reach the caller.
type Engine struct {
	store   *cache.Store
	network http.RoundTripper
	config  Config
	logger  *slog.Logger
	origin  *url.URL

	revalidations singleflight.Group
	detached      sync.WaitGroup
}

// NewEngine returns an Engine reading and writing store and fetching through network.
func NewEngine(store *cache.Store, network http.RoundTripper, config Config) *Engine {
	if config.RevalidateTimeout <= 0 {
		config.RevalidateTimeout = defaultRevalidateTimeout
	}
	if config.OfflineDocument == "" {
		config.OfflineDocument = "/offline.html"
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	engine := &Engine{
		store:   store,
		network: network,
		config:  config,
		logger:  logger,
	}
	if config.AppOrigin != "" {
		origin, err := url.Parse(config.AppOrigin)
		if err == nil && origin.Host != "" {
			engine.origin = &url.URL{Scheme: origin.Scheme, Host: origin.Host}
		} else {
			logger.Warn("ignoring app origin", "app_origin", config.AppOrigin)
		}
	}
	return engine
}

// Respond runs the policy of class for req, using the generations of registry.
// Passthrough requests are forwarded to the network and may return an error.
func (e *Engine) Respond(req *http.Request, class Class, registry *cache.Registry) (*http.Response, error) {
	switch class {
	case ClassStatic:
		return e.CacheFirst(req, registry.Name(domain.RoleStatic)), nil
	case ClassAPI:
		return e.NetworkFirst(req, registry.Name(domain.RoleAPI)), nil
	case ClassNavigation:
		return e.Navigation(req, registry.Name(domain.RoleStatic)), nil
	case ClassDynamic:
		return e.StaleWhileRevalidate(req, registry.Name(domain.RoleDynamic)), nil
	default:
		return e.network.RoundTrip(req)
	}
}

// CacheFirst serves req from the generation and only goes to the network on a miss.
func (e *Engine) CacheFirst(req *http.Request, generation string) *http.Response {
	if cached := e.match(generation, req); cached != nil {
		return cached
	}

	res, err := e.fetch(req)
	if err != nil {
		return unavailable(req, "Static asset unavailable offline")
	}

	if isOK(res) {
		if err := e.storeDetached(generation, req, res); err != nil {
			return unavailable(req, "Static asset unavailable offline")
		}
	}
	return res
}

// NetworkFirst fetches req and falls back to the generation when the network fails or answers non-OK.
// Live responses of cacheable endpoints are stored.
func (e *Engine) NetworkFirst(req *http.Request, generation string) *http.Response {
	res, err := e.fetch(req)
	if err == nil && isOK(res) {
		if !hasPrefix(req.URL.Path, e.config.CacheableEndpoints) {
			return res
		}
		if err := e.storeDetached(generation, req, res); err == nil {
			return res
		}
	} else if err == nil {
		discard(res)
	}

	if cached := e.match(generation, req); cached != nil {
		cached.Header.Set(HeaderServedFrom, servedFromCache)
		return cached
	}

	if hasPrefix(req.URL.Path, e.config.CriticalEndpoints) {
		return offlineJSON(req)
	}
	return unavailable(req, "Service unavailable offline")
}

// Navigation fetches req and serves the offline document from the generation on failure.
func (e *Engine) Navigation(req *http.Request, generation string) *http.Response {
	res, err := e.fetch(req)
	if err == nil && isOK(res) {
		return res
	}
	if err == nil {
		discard(res)
	}

	offlineReq, err := e.offlineRequest(req)
	if err == nil {
		if cached := e.match(generation, offlineReq); cached != nil {
			cached.Request = req
			cached.Header.Set(HeaderServedFrom, servedFromCache)
			return cached
		}
	}

	return unavailable(req, "Offline and no cached page available")
}

// StaleWhileRevalidate serves the cached copy immediately and refreshes it in the background.
// On a miss it fetches, stores and returns the live response.
func (e *Engine) StaleWhileRevalidate(req *http.Request, generation string) *http.Response {
	if cached := e.match(generation, req); cached != nil {
		e.revalidate(generation, req)
		return cached
	}

	res, err := e.fetch(req)
	if err != nil {
		return unavailable(req, "Resource unavailable offline")
	}

	if isOK(res) {
		if err := e.storeDetached(generation, req, res); err != nil {
			return unavailable(req, "Resource unavailable offline")
		}
	}
	return res
}

// Detach runs task in the background. Failures are logged and never returned to a caller.
func (e *Engine) Detach(name string, task func() error) {
	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		if err := task(); err != nil {
			e.logger.Warn("detached task failed", "task", name, "error", err)
			if e.config.OnDetachedError != nil {
				e.config.OnDetachedError(name, err)
			}
		}
	}()
}

// Wait blocks until every detached task has finished.
func (e *Engine) Wait() {
	e.detached.Wait()
}

// match returns the cached response or nil. Lookup errors are treated as misses.
func (e *Engine) match(generation string, req *http.Request) *http.Response {
	cached, err := e.store.Match(generation, req)
	if err != nil {
		if !errors.Is(err, cache.ErrNotCached) {
			e.logger.Warn("cache lookup failed", "generation", generation, "url", req.URL.String(), "error", err)
		}
		return nil
	}
	return cached
}

// storeDetached captures res and writes it in the background. The response stays deliverable.
// A capture error means the body could not be read.
func (e *Engine) storeDetached(generation string, req *http.Request, res *http.Response) error {
	entry, err := cache.Capture(generation, req, res)
	if err != nil {
		if errors.Is(err, cache.ErrNotCacheable) {
			return nil
		}
		e.logger.Warn("capturing response failed", "url", req.URL.String(), "error", err)
		return err
	}

	e.Detach("cache put "+entry.Key, func() error {
		return e.store.Put(entry)
	})
	return nil
}

// revalidate refreshes the cached copy of req once per key at a time.
func (e *Engine) revalidate(generation string, req *http.Request) {
	key := generation + " " + cache.Key(req)

	e.Detach("revalidate "+cache.Key(req), func() error {
		_, err, _ := e.revalidations.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), e.config.RevalidateTimeout)
			defer cancel()

			res, err := e.fetch(req.Clone(ctx))
			if err != nil {
				return nil, err
			}
			defer res.Body.Close()

			if !isOK(res) {
				return nil, nil
			}

			entry, err := cache.Capture(generation, req, res)
			if err != nil {
				return nil, err
			}
			return nil, e.store.Put(entry)
		})
		if err != nil {
			e.logger.Debug("revalidation failed", "url", req.URL.String(), "error", err)
		}
		return nil
	})
}

// fetch sends req to the network. Read errors of the body surface later through Capture.
func (e *Engine) fetch(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""

	res, err := e.network.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("fetching %s : %w", req.URL, err)
	}
	return res, nil
}

func (e *Engine) offlineRequest(req *http.Request) (*http.Request, error) {
	ref, err := url.Parse(e.config.OfflineDocument)
	if err != nil {
		return nil, fmt.Errorf("parsing offline document : %w", err)
	}

	base := e.origin
	if base == nil {
		base = &url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host}
		if base.Host == "" {
			base.Host = req.Host
		}
	}

	offlineReq, err := http.NewRequestWithContext(req.Context(), http.MethodGet, base.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building offline request : %w", err)
	}
	return offlineReq, nil
}

func isOK(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func hasPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func discard(res *http.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

// newResponse synthesizes a response for req.
func newResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	res := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	res.Header.Set("Content-Type", contentType)
	return res
}

// unavailable is the plain 503 returned when neither network nor cache can answer.
func unavailable(req *http.Request, message string) *http.Response {
	return newResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte(message))
}

// OfflineBody is the structured body returned for critical endpoints while offline.
type OfflineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

func offlineJSON(req *http.Request) *http.Response {
	body, _ := json.Marshal(OfflineBody{
		Error:   "offline",
		Message: "This data is not available offline. Please check your connection.",
		Offline: true,
	})
	return newResponse(req, http.StatusServiceUnavailable, "application/json", body)
}
