// Package engine drains the action queue against the remote service when the
// host is online, applying retry, backoff and conflict policy.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/refsync/internal/action"
	"github.com/user/refsync/internal/api"
	"github.com/user/refsync/internal/connectivity"
	"github.com/user/refsync/internal/queue"
)

// CacheInvalidator is the engine's only view of the read cache: drop entries
// for an entity after a successful mutation so reads see committed state.
type CacheInvalidator interface {
	InvalidateEntity(entityKey string) error
}

// Config tunes the engine.
type Config struct {
	MaxInFlight    int           // concurrent actions across distinct entities (default 4)
	RetryBaseDelay time.Duration // backoff base (default 5s)
	RetryMaxDelay  time.Duration // backoff ceiling (default 10m)
	TickInterval   time.Duration // scheduling cadence, also drives backoff expiry (default 1s)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    4,
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  10 * time.Minute,
		TickInterval:   1 * time.Second,
	}
}

// Engine executes queued actions. Selection is strict per-entity FIFO: at
// most one in-flight action per entity key, and an ineligible pending action
// blocks everything queued behind it for the same entities. Distinct entities
// run concurrently up to MaxInFlight.
type Engine struct {
	store   *queue.Store
	client  api.Client
	monitor *connectivity.Monitor
	cache   CacheInvalidator // may be nil
	config  Config
	kick    chan struct{}
	tracer  trace.Tracer

	mu       sync.Mutex
	inflight map[string]struct{} // entity keys with a running action
	running  int
	wg       sync.WaitGroup
}

// New creates an Engine. cache may be nil when no read cache is attached.
func New(store *queue.Store, client api.Client, monitor *connectivity.Monitor, cache CacheInvalidator, config Config) *Engine {
	def := DefaultConfig()
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = def.MaxInFlight
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	return &Engine{
		store:    store,
		client:   client,
		monitor:  monitor,
		cache:    cache,
		config:   config,
		kick:     make(chan struct{}, 1),
		tracer:   otel.Tracer("refsync/engine"),
		inflight: make(map[string]struct{}),
	}
}

// Kick requests a dispatch pass: called on resume, explicit user retry, and
// internally when an action finishes. Coalesces.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Wait blocks until every in-flight action has finished. Used during
// shutdown after cancelling Run's context.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run processes the queue until the context is cancelled. Triggers: an
// offline-to-online transition, Kick, and a periodic tick that also covers
// backoff expiry.
func (e *Engine) Run(ctx context.Context) {
	changes, cancel := e.monitor.Subscribe()
	defer cancel()

	slog.Info("sync engine started",
		"max_in_flight", e.config.MaxInFlight,
		"retry_base_delay", e.config.RetryBaseDelay,
		"retry_max_delay", e.config.RetryMaxDelay,
	)
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			slog.Info("sync engine stopped")
			return
		case online := <-changes:
			if !online {
				continue
			}
		case <-e.kick:
		case <-ticker.C:
		}
		if !e.monitor.Online() {
			continue
		}
		e.dispatch(ctx)
	}
}

// dispatch walks the queue oldest-first and launches every eligible pending
// action. A pending action that cannot run yet (backoff, entity busy, no
// slot) blocks later actions targeting the same entities, preserving
// per-entity order.
func (e *Engine) dispatch(ctx context.Context) {
	snap := e.store.Snapshot()
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	blocked := make(map[string]struct{})
	for _, a := range snap.Actions {
		if a.Status == action.StatusFailed {
			// Terminal failures isolate: they neither run nor hold up
			// later actions awaiting a user decision on them.
			continue
		}
		keys := a.EntityKeys()

		eligible := a.Status == action.StatusPending &&
			(a.NotBefore.IsZero() || !now.Before(a.NotBefore)) &&
			e.running < e.config.MaxInFlight
		if eligible {
			for _, k := range keys {
				if _, busy := e.inflight[k]; busy {
					eligible = false
					break
				}
				if _, b := blocked[k]; b {
					eligible = false
					break
				}
			}
		}

		if !eligible {
			for _, k := range keys {
				blocked[k] = struct{}{}
			}
			continue
		}

		for _, k := range keys {
			e.inflight[k] = struct{}{}
		}
		e.running++
		e.wg.Add(1)
		go e.execute(ctx, a, keys)
	}
}

func (e *Engine) release(keys []string) {
	e.mu.Lock()
	for _, k := range keys {
		delete(e.inflight, k)
	}
	e.running--
	e.mu.Unlock()
	e.Kick()
}

// execute runs one action end to end and reports the outcome to the store.
func (e *Engine) execute(ctx context.Context, a *action.Action, keys []string) {
	defer e.wg.Done()
	defer e.release(keys)

	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.kind", a.Kind),
		attribute.Int("action.retry_count", a.RetryCount),
	))
	defer span.End()

	if err := e.store.MarkSyncing(ctx, a.ID); err != nil {
		// Raced with a discard or clear; nothing to do.
		span.SetStatus(codes.Error, err.Error())
		return
	}

	invalidate, err := e.invoke(ctx, a)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		if err := e.store.MarkSucceeded(ctx, a.ID); err != nil {
			slog.Warn("mark succeeded", "id", a.ID, "error", err)
		}
		e.invalidateCache(invalidate)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case api.IsConflict(err):
		msg := err.Error()
		if gn := a.GameNumber(); gn != "" {
			msg = fmt.Sprintf("game %s: %s", gn, msg)
		}
		if ferr := e.store.FailTerminal(ctx, a.ID, msg, true); ferr != nil {
			slog.Warn("fail terminal", "id", a.ID, "error", ferr)
		}
	case api.IsValidation(err), api.IsResolution(err):
		if ferr := e.store.FailTerminal(ctx, a.ID, err.Error(), false); ferr != nil {
			slog.Warn("fail terminal", "id", a.ID, "error", ferr)
		}
	default:
		delay := Backoff(a.RetryCount+1, e.config.RetryBaseDelay, e.config.RetryMaxDelay)
		if _, ferr := e.store.RequeueTransient(ctx, a.ID, err.Error(), delay); ferr != nil {
			slog.Warn("requeue transient", "id", a.ID, "error", ferr)
		}
	}
}

// invoke dispatches one action to the remote client and returns the entity
// keys whose cached reads are now stale.
func (e *Engine) invoke(ctx context.Context, a *action.Action) ([]string, error) {
	switch a.Kind {
	case action.KindUpdateCompensation:
		var p action.UpdateCompensation
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, api.NewValidationError(fmt.Sprintf("decode payload: %v", err))
		}
		return a.EntityKeys(), e.client.UpdateCompensation(ctx, a.ID, p.CompensationID, p.Data)

	case action.KindUpdateCompensationByAssignment:
		var p action.UpdateCompensationByAssignment
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, api.NewValidationError(fmt.Sprintf("decode payload: %v", err))
		}
		compensationID, err := e.client.ResolveCompensationID(ctx, p.AssignmentID)
		if err != nil {
			return nil, err
		}
		invalidate := append(a.EntityKeys(), "compensation/"+compensationID)
		return invalidate, e.client.UpdateCompensation(ctx, a.ID, compensationID, p.Data)

	case action.KindBatchUpdateCompensations:
		var p action.BatchUpdateCompensations
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, api.NewValidationError(fmt.Sprintf("decode payload: %v", err))
		}
		// One unit of work: the call succeeds or fails for all contained
		// ids, never partially.
		return a.EntityKeys(), e.client.BatchUpdateCompensations(ctx, a.ID, p.CompensationIDs, p.Data)

	case action.KindApplyForExchange:
		var p action.ApplyForExchange
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, api.NewValidationError(fmt.Sprintf("decode payload: %v", err))
		}
		return a.EntityKeys(), e.client.ApplyForExchange(ctx, a.ID, p.ExchangeID)

	case action.KindAddAssignmentToExchange:
		var p action.AddAssignmentToExchange
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, api.NewValidationError(fmt.Sprintf("decode payload: %v", err))
		}
		return a.EntityKeys(), e.client.AddAssignmentToExchange(ctx, a.ID, p.AssignmentID)

	case action.KindRemoveOwnExchange:
		var p action.RemoveOwnExchange
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, api.NewValidationError(fmt.Sprintf("decode payload: %v", err))
		}
		return a.EntityKeys(), e.client.RemoveOwnExchange(ctx, a.ID, p.ExchangeID)
	}
	return nil, api.NewValidationError(fmt.Sprintf("unknown action kind %q", a.Kind))
}

func (e *Engine) invalidateCache(keys []string) {
	if e.cache == nil {
		return
	}
	for _, k := range keys {
		if err := e.cache.InvalidateEntity(k); err != nil {
			slog.Warn("invalidate read cache", "entity", k, "error", err)
		}
	}
}
