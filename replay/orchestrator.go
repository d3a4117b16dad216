// Package replay drains the durable mutation queue against the remote API.
//
// Each domain is replayed strictly in enqueue order and drains of the same domain never overlap.
// Different domains drain concurrently. A failed item never blocks its siblings and is never
// reported to the page: it stays queued for the next sync signal, or is dead-lettered when a
// bounded Policy says so.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tfkr-ae/mirsat/domain"
	"golang.org/x/sync/errgroup"
)

const tagPrefix = "sync-"

// DomainFromTag returns the queue domain addressed by a sync tag.
// Both "sync-appointments" and "appointments" address the appointments domain.
func DomainFromTag(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), tagPrefix)
}

// Result reports one drain of a domain.
type Result struct {
	Domain   string `json:"domain"`
	Replayed int    `json:"replayed"`
	Failed   int    `json:"failed"`
	Dead     int    `json:"dead"`
	Deferred int    `json:"deferred"`
	Pending  int    `json:"pending"`
}

// Orchestrator replays queued mutations.
type Orchestrator struct {
	repo    domain.QueueRepository
	client  *http.Client
	baseURL *url.URL
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time

	// OnItemError is called for every failed replay attempt.
	OnItemError func(item *domain.QueueItem, err error)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithPolicy sets the retry policy.
func WithPolicy(policy Policy) Option {
	return func(o *Orchestrator) error {
		if policy.MaxAttempts < 0 {
			return fmt.Errorf("max attempts must not be negative, got %d", policy.MaxAttempts)
		}
		o.policy = policy
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			return fmt.Errorf("logger is nil")
		}
		o.logger = logger
		return nil
	}
}

// WithClock replaces the clock used for retry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) error {
		o.now = now
		return nil
	}
}

// New returns an Orchestrator replaying into remoteAPIBase with client.
func New(repo domain.QueueRepository, client *http.Client, remoteAPIBase string, options ...Option) (*Orchestrator, error) {
	base, err := url.Parse(remoteAPIBase)
	if err != nil {
		return nil, fmt.Errorf("parsing remote api base %q : %w", remoteAPIBase, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote api base %q must be absolute", remoteAPIBase)
	}
	if client == nil {
		client = http.DefaultClient
	}

	o := &Orchestrator{
		repo:    repo,
		client:  client,
		baseURL: base,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}

	for _, option := range options {
		if err := option(o); err != nil {
			return nil, fmt.Errorf("applying replay option : %w", err)
		}
	}
	return o, nil
}

// Policy returns the retry policy in use.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Endpoint returns the remote API URL items of domainName are replayed against.
func (o *Orchestrator) Endpoint(domainName string) string {
	return o.baseURL.JoinPath("api", domainName).String()
}

func (o *Orchestrator) lockFor(domainName string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[domainName]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[domainName] = lock
	}
	return lock
}

// Sync drains the domain addressed by tag. Item failures are counted, never returned;
// the error only reports that the queue itself could not be read or ctx ended the drain.
func (o *Orchestrator) Sync(ctx context.Context, tag string) (Result, error) {
	domainName := DomainFromTag(tag)
	result := Result{Domain: domainName}
	if domainName == "" {
		return result, fmt.Errorf("empty sync tag")
	}

	lock := o.lockFor(domainName)
	lock.Lock()
	defer lock.Unlock()

	items, err := o.repo.GetPendingItems(domainName)
	if err != nil {
		return result, fmt.Errorf("listing pending items of %s : %w", domainName, err)
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			result.Pending = len(items) - i + result.Failed - result.Dead + result.Deferred
			return result, err
		}

		if o.policy.Bounded() && !item.NextAttemptAt.IsZero() && o.now().Before(item.NextAttemptAt) {
			result.Deferred++
			continue
		}

		err := o.replay(ctx, item)
		if err == nil {
			if err := o.repo.DeleteItem(item.ID); err != nil {
				o.logger.Error("deleting replayed item", "domain", domainName, "id", item.ID, "error", err)
				result.Failed++
				continue
			}
			result.Replayed++
			continue
		}

		result.Failed++
		if o.OnItemError != nil {
			o.OnItemError(item, err)
		}
		if o.settle(item, err) {
			result.Dead++
		}
	}

	result.Pending = result.Failed - result.Dead + result.Deferred
	o.logger.Info("sync finished", "domain", domainName, "replayed", result.Replayed, "failed", result.Failed, "dead", result.Dead)
	return result, nil
}

// settle records a failed attempt according to the policy and reports whether the item died.
func (o *Orchestrator) settle(item *domain.QueueItem, cause error) bool {
	if !o.policy.Bounded() {
		o.logger.Warn("replay failed, item left queued", "domain", item.Domain, "id", item.ID, "error", cause)
		return false
	}

	attempts := item.Attempts + 1
	if IsPermanent(cause) || o.policy.exhausted(attempts) {
		if err := o.repo.MarkDead(item.ID, cause.Error(), o.now()); err != nil {
			o.logger.Error("dead-lettering item", "domain", item.Domain, "id", item.ID, "error", err)
			return false
		}
		o.logger.Warn("replay failed, item dead-lettered", "domain", item.Domain, "id", item.ID, "attempts", attempts, "error", cause)
		return true
	}

	next := o.now().Add(o.policy.Delay(attempts))
	if err := o.repo.RecordFailure(item.ID, cause.Error(), next); err != nil {
		o.logger.Error("recording replay failure", "domain", item.Domain, "id", item.ID, "error", err)
	}
	return false
}

// replay sends one item to the remote API.
func (o *Orchestrator) replay(ctx context.Context, item *domain.QueueItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint(item.Domain), bytes.NewReader(item.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("building replay request : %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID.String())

	res, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("replaying %s : %w", item.ID, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return classifyStatus(res.StatusCode)
	}
	return nil
}

// SyncAll drains every domain with pending items concurrently. A domain that fails does not stop
// the others; their errors are joined.
func (o *Orchestrator) SyncAll(ctx context.Context) ([]Result, error) {
	domains, err := o.repo.GetDomains()
	if err != nil {
		return nil, fmt.Errorf("listing queue domains : %w", err)
	}

	results := make([]Result, len(domains))
	errs := make([]error, len(domains))
	var g errgroup.Group
	for i, domainName := range domains {
		g.Go(func() error {
			results[i], errs[i] = o.Sync(ctx, domainName)
			return nil
		})
	}
	g.Wait()

	slices.SortFunc(results, func(a, b Result) int { return strings.Compare(a.Domain, b.Domain) })
	return results, errors.Join(errs...)
}
