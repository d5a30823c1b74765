// Package bulk walks batches of targets through cache lookup, research and
// write-back, pausing between outbound research calls.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shpitdev/property-enrichment/internal/cache"
	"github.com/shpitdev/property-enrichment/internal/cooldown"
	"github.com/shpitdev/property-enrichment/internal/enrich"
	"github.com/shpitdev/property-enrichment/internal/enrich/worker"
	"github.com/shpitdev/property-enrichment/internal/query"
	"github.com/shpitdev/property-enrichment/internal/util"
)

// WorkItem is one target submitted in a batch.
type WorkItem struct {
	TargetID  string `json:"targetId"`
	SkipCache bool   `json:"skipCache"`
}

type Status string

const (
	StatusCached   Status = "cached"
	StatusEnriched Status = "enriched"
	StatusFailed   Status = "failed"
)

// ErrorInfo describes why an item failed.
type ErrorInfo struct {
	Kind    enrich.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Result is the outcome for one WorkItem.
type Result struct {
	TargetID string         `json:"targetId"`
	Status   Status         `json:"status"`
	Record   *enrich.Record `json:"record,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`
}

// Observer receives progress while a batch runs. All methods are called from
// the batch goroutine; implementations must not block for long.
type Observer interface {
	CooldownStarted(requestID string, wait time.Duration, nextTargetID string)
	CooldownEnded(requestID string, outcome cooldown.Outcome)
	ItemDone(index int, res Result)
}

type Config struct {
	Gateway    *cache.Gateway
	Classifier *query.Classifier
	Enricher   enrich.Enricher
	Cooldown   *cooldown.Coordinator
	// Call controls retries, request timeout and the shared limiter.
	Call   worker.Options
	Logger *slog.Logger
}

type Orchestrator struct {
	gateway    *cache.Gateway
	classifier *query.Classifier
	enricher   enrich.Enricher
	cooldown   *cooldown.Coordinator
	call       worker.Options
	logger     *slog.Logger
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = query.Default()
	}
	coord := cfg.Cooldown
	if coord == nil {
		coord = cooldown.New(logger)
	}
	return &Orchestrator{
		gateway:    cfg.Gateway,
		classifier: classifier,
		enricher:   cfg.Enricher,
		cooldown:   coord,
		call:       cfg.Call,
		logger:     logger,
	}
}

// Cooldown returns the coordinator holding this orchestrator's waits.
func (o *Orchestrator) Cooldown() *cooldown.Coordinator {
	return o.cooldown
}

// ValidateItems parses every target id, failing on the first invalid one.
func ValidateItems(items []WorkItem) ([]enrich.Target, error) {
	if len(items) == 0 {
		return nil, enrich.Validationf("at least one item is required")
	}
	targets := make([]enrich.Target, len(items))
	for i, it := range items {
		t, err := enrich.ParseTargetID(it.TargetID)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		targets[i] = t
	}
	return targets, nil
}

// RunBatch processes items sequentially in input order. Before every research
// call except the first it waits up to maxWait, or until the wait is resumed.
//
// Per-item failures never abort the batch. The returned slice always has one
// entry per item; a non-nil error means validation failed (nil slice) or ctx
// ended (remaining items are reported failed).
func (o *Orchestrator) RunBatch(ctx context.Context, items []WorkItem, maxWait time.Duration, obs Observer) ([]Result, error) {
	targets, err := ValidateItems(items)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = nopObserver{}
	}

	runID := fmt.Sprintf("batch-%d", time.Now().UnixNano())
	logger := o.logger.With("run", runID)
	logger.Info("batch start", "items", len(items), "max_wait", maxWait)
	start := time.Now()

	results := make([]Result, len(items))
	remoteCalls := 0
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return o.cancelRest(logger, results, items, i, err, obs)
		}

		target := targets[i]
		if !it.SkipCache {
			rec, ok, err := o.gateway.Lookup(ctx, target)
			if err != nil {
				results[i] = failed(it.TargetID, enrich.KindOf(err), err)
				logger.Error("cache lookup failed", "target", it.TargetID, "error", util.RedactSecrets(err.Error()))
				obs.ItemDone(i, results[i])
				continue
			}
			if ok {
				results[i] = Result{TargetID: it.TargetID, Status: StatusCached, Record: &rec}
				logger.Info("item cached", "index", i, "target", it.TargetID)
				obs.ItemDone(i, results[i])
				continue
			}
		}

		if remoteCalls > 0 {
			o.pause(ctx, logger, maxWait, it.TargetID, obs)
			if err := ctx.Err(); err != nil {
				return o.cancelRest(logger, results, items, i, err, obs)
			}
		}
		remoteCalls++

		results[i] = o.compute(ctx, logger, target, it.TargetID)
		obs.ItemDone(i, results[i])
	}

	cached, enriched, failedN := Summarize(results)
	logger.Info("batch complete",
		"items", len(items),
		"cached", cached,
		"enriched", enriched,
		"failed", failedN,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return results, nil
}

// cancelRest reports items[from:] as canceled.
func (o *Orchestrator) cancelRest(logger *slog.Logger, results []Result, items []WorkItem, from int, err error, obs Observer) ([]Result, error) {
	for j := from; j < len(items); j++ {
		results[j] = failed(items[j].TargetID, enrich.KindCanceled, err)
		obs.ItemDone(j, results[j])
	}
	logger.Warn("batch canceled", "completed", from, "items", len(items))
	return results, err
}

// pause blocks before the next research call.
func (o *Orchestrator) pause(ctx context.Context, logger *slog.Logger, maxWait time.Duration, nextTargetID string, obs Observer) {
	if maxWait <= 0 {
		return
	}
	w, err := o.cooldown.Begin("")
	if err != nil {
		// Generated ids do not collide; fall back to a plain sleep if they ever do.
		logger.Error("cooldown registration failed", "error", err)
		t := time.NewTimer(maxWait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		return
	}
	logger.Info("cooldown start", "request_id", w.RequestID, "wait", maxWait, "next", nextTargetID)
	obs.CooldownStarted(w.RequestID, maxWait, nextTargetID)

	outcome := w.Await(ctx, maxWait)
	logger.Info("cooldown end", "request_id", w.RequestID, "outcome", outcome,
		"waited", time.Since(w.CreatedAt).Round(time.Millisecond))
	obs.CooldownEnded(w.RequestID, outcome)
}

func (o *Orchestrator) compute(ctx context.Context, logger *slog.Logger, target enrich.Target, targetID string) Result {
	analysis := o.classifier.Optimize(target.Query())
	logger.Info("enrich request",
		"target", targetID,
		"category", analysis.Category,
		"query", analysis.OptimizedQuery,
	)

	callStart := time.Now()
	rec, err := worker.Enrich(ctx, o.enricher, enrich.Request{Target: target, Analysis: analysis}, o.call)
	if err != nil {
		kind := researchFailureKind(ctx, err)
		logger.Warn("enrich failed",
			"target", targetID,
			"duration", time.Since(callStart).Round(time.Millisecond),
			"error", util.RedactSecrets(err.Error()),
		)
		return failed(targetID, kind, err)
	}

	saved, err := o.gateway.Upsert(ctx, target, rec)
	if err != nil {
		logger.Error("persist failed", "target", targetID, "error", util.RedactSecrets(err.Error()))
		return failed(targetID, enrich.KindOf(err), err)
	}
	logger.Info("item enriched",
		"target", targetID,
		"id", saved.ID,
		"confidence", saved.ConfidenceScore,
		"duration", time.Since(callStart).Round(time.Millisecond),
	)
	return Result{TargetID: targetID, Status: StatusEnriched, Record: &saved}
}

// EnrichOne is the single-target, cache-first path. It never waits on a cooldown.
func (o *Orchestrator) EnrichOne(ctx context.Context, target enrich.Target, skipCache bool) (enrich.Record, bool, error) {
	target = target.Clean()
	if err := target.Validate(); err != nil {
		return enrich.Record{}, false, err
	}
	if !skipCache {
		rec, ok, err := o.gateway.Lookup(ctx, target)
		if err != nil {
			return enrich.Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
	}

	analysis := o.classifier.Optimize(target.Query())
	rec, err := worker.Enrich(ctx, o.enricher, enrich.Request{Target: target, Analysis: analysis}, o.call)
	if err != nil {
		if researchFailureKind(ctx, err) == enrich.KindCanceled {
			return enrich.Record{}, false, &enrich.Error{Kind: enrich.KindCanceled, Op: "enrich " + target.ID(), Err: err}
		}
		return enrich.Record{}, false, enrich.Upstream("enrich "+target.ID(), err)
	}
	saved, err := o.gateway.Upsert(ctx, target, rec)
	if err != nil {
		return enrich.Record{}, false, err
	}
	return saved, false, nil
}

// researchFailureKind reports canceled only when the caller's context was
// canceled; deadlines and upstream cancellations stay upstream.
func researchFailureKind(ctx context.Context, err error) enrich.Kind {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return enrich.KindCanceled
	}
	return enrich.KindUpstream
}

// Summarize counts results by status.
func Summarize(results []Result) (cached, enriched, failedN int) {
	for _, r := range results {
		switch r.Status {
		case StatusCached:
			cached++
		case StatusEnriched:
			enriched++
		default:
			failedN++
		}
	}
	return cached, enriched, failedN
}

func failed(targetID string, kind enrich.Kind, err error) Result {
	return Result{
		TargetID: targetID,
		Status:   StatusFailed,
		Error:    &ErrorInfo{Kind: kind, Message: util.RedactSecrets(err.Error())},
	}
}

type nopObserver struct{}

func (nopObserver) CooldownStarted(string, time.Duration, string) {}

func (nopObserver) CooldownEnded(string, cooldown.Outcome) {}

func (nopObserver) ItemDone(int, Result) {}
