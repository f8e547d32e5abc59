// Package categorize resolves expense descriptions to accounting codes through the
// cache, similarity and inference tiers, cheapest first.
package categorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/embedding"
	"github.com/Veraticus/expense-flow/internal/fingerprint"
	"github.com/Veraticus/expense-flow/internal/llm"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
	"github.com/Veraticus/expense-flow/internal/similarity"
	"github.com/Veraticus/expense-flow/internal/vendor"
)

// Outcome is the overall result of one resolution.
type Outcome string

// Resolution outcomes.
const (
	// OutcomeResolved means a tier produced codes at its normal trust.
	OutcomeResolved Outcome = "RESOLVED"
	// OutcomeDegraded means inference failed and a lower-tier near match was returned instead.
	OutcomeDegraded Outcome = "DEGRADED"
	// OutcomeUnresolved means no tier produced a usable signal; manual input is needed.
	OutcomeUnresolved Outcome = "UNRESOLVED"
)

// Inferrer is the Tier-3 classifier.
type Inferrer interface {
	Classify(ctx context.Context, raw string, hints []llm.Hint) (llm.Inference, error)
}

// Request is one description to categorize.
type Request struct {
	Description string
	Vendor      string // Optional extracted vendor, used as an inference hint
}

// Result describes how a description was categorized.
type Result struct {
	ProviderErr           error // Set when an embedding or inference call failed
	DescriptionHash       string
	NormalizedDescription string
	GLCode                string
	Department            string
	Outcome               Outcome
	Tier                  model.Tier
	Trust                 model.ConfidenceLevel
	Similarity            float64
	Confidence            float64
	Elapsed               time.Duration
}

// Options tunes the cascade thresholds.
type Options struct {
	SimilarityThreshold float64 // Minimum cosine similarity for a Tier-2 hit
	NearMatchFloor      float64 // Minimum similarity kept as a fallback when inference fails
	SearchLimit         int
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.92,
		NearMatchFloor:      0.80,
		SearchLimit:         5,
	}
}

// Deps are the cascade's collaborators. Index, Embedder and Inferrer may be nil;
// the corresponding tier is then treated as a miss.
type Deps struct {
	Cache    service.DescriptionCache
	Usage    service.UsageStore
	Index    similarity.Index
	Embedder embedding.Provider
	Inferrer Inferrer
	Vendors  *vendor.Directory
	Logger   *slog.Logger
}

// Cascade orchestrates Tier 1 (cache), Tier 2 (similarity) and Tier 3 (inference).
type Cascade struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	stats  *statsCollector
	flight singleflight.Group
	opts   Options
}

// New creates a cascade.
func New(deps Deps, opts Options) (*Cascade, error) {
	if deps.Cache == nil {
		return nil, fmt.Errorf("%w: description cache", common.ErrMissingConfig)
	}
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("%w: similarity threshold %v", common.ErrInvalidConfig, opts.SimilarityThreshold)
	}
	if opts.NearMatchFloor <= 0 || opts.NearMatchFloor > opts.SimilarityThreshold {
		return nil, fmt.Errorf("%w: near-match floor %v", common.ErrInvalidConfig, opts.NearMatchFloor)
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 1
	}

	return &Cascade{
		deps:   deps,
		logger: common.LoggerOrDefault(deps.Logger),
		now:    time.Now,
		stats:  newStatsCollector(),
		opts:   opts,
	}, nil
}

// Resolve categorizes one description. Tiers are attempted strictly in order.
// Provider failures never surface as errors; they yield a Degraded or Unresolved
// result carrying ProviderErr. Errors are returned for invalid input, storage
// failures and cancellation.
func (c *Cascade) Resolve(ctx context.Context, req Request) (Result, error) {
	start := c.now()

	hash, err := fingerprint.DescriptionHash(req.Description)
	if err != nil {
		return Result{}, err
	}

	result, err := c.resolve(ctx, hash, req)
	if err != nil {
		return Result{}, err
	}
	result.DescriptionHash = hash
	result.Elapsed = c.now().Sub(start)

	c.record(ctx, result)
	return result, nil
}

func (c *Cascade) resolve(ctx context.Context, hash string, req Request) (Result, error) {
	// Tier 1
	entry, err := c.deps.Cache.GetCachedDescription(ctx, hash)
	switch {
	case err == nil:
		if err := c.deps.Cache.IncrementCacheHit(ctx, hash, c.now()); err != nil {
			c.logger.Warn("Failed to record cache hit", "hash", hash, "error", err)
		}
		return cachedResult(entry), nil
	case !errors.Is(err, common.ErrNotFound):
		return Result{}, fmt.Errorf("tier 1 lookup: %w", err)
	}

	// Tier 2
	near, hit, providerErr, err := c.searchSimilar(ctx, req.Description)
	if err != nil {
		return Result{}, err
	}
	if hit != nil {
		return *hit, nil
	}

	// Tier 3
	result, err := c.infer(ctx, hash, req)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if !errors.Is(err, common.ErrProviderFailure) && !errors.Is(err, common.ErrRateLimit) &&
		!errors.Is(err, common.ErrMaxRetries) && !errors.Is(err, common.ErrMissingConfig) {
		return Result{}, err
	}

	if near != nil {
		c.logger.Warn("Inference failed, returning near match",
			"description", req.Description,
			"similarity", near.Score,
			"error", err)
		return Result{
			Outcome:               OutcomeDegraded,
			Tier:                  model.TierSimilarity,
			Trust:                 model.ConfidenceLow,
			NormalizedDescription: near.Record.Text,
			GLCode:                near.Record.GLCode,
			Department:            near.Record.Department,
			Similarity:            near.Score,
			ProviderErr:           err,
		}, nil
	}

	if providerErr != nil {
		err = errors.Join(providerErr, err)
	}
	c.logger.Warn("Description unresolved", "description", req.Description, "error", err)
	return Result{
		Outcome:     OutcomeUnresolved,
		Tier:        model.TierNone,
		Trust:       model.ConfidenceLow,
		ProviderErr: err,
	}, nil
}

// searchSimilar returns a Tier-2 hit, or the best near match below the hit threshold.
// Embedding failures are reported, not returned as errors.
func (c *Cascade) searchSimilar(ctx context.Context, raw string) (near *similarity.Match, hit *Result, providerErr, err error) {
	if c.deps.Index == nil || c.deps.Embedder == nil {
		return nil, nil, nil, nil
	}

	vector, embedErr := c.deps.Embedder.Embed(ctx, raw)
	if embedErr != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		c.logger.Warn("Embedding failed, skipping similarity tier", "error", embedErr)
		return nil, nil, embedErr, nil
	}

	matches, searchErr := c.deps.Index.Search(ctx, vector, c.opts.SearchLimit)
	if searchErr != nil {
		return nil, nil, nil, fmt.Errorf("tier 2 search: %w", searchErr)
	}
	if len(matches) == 0 {
		return nil, nil, nil, nil
	}

	best := matches[0]
	if best.Score >= c.opts.SimilarityThreshold {
		trust := model.ConfidenceHigh
		if !best.Record.Verified {
			trust = model.ConfidenceMedium
		}
		return nil, &Result{
			Outcome:               OutcomeResolved,
			Tier:                  model.TierSimilarity,
			Trust:                 trust,
			NormalizedDescription: best.Record.Text,
			GLCode:                best.Record.GLCode,
			Department:            best.Record.Department,
			Similarity:            best.Score,
			Confidence:            best.Score,
		}, nil, nil
	}
	if best.Score >= c.opts.NearMatchFloor {
		return &best, nil, nil, nil
	}
	return nil, nil, nil, nil
}

// infer runs Tier 3 once per description hash, however many callers are waiting,
// and writes the result back to Tiers 1 and 2. A caller that arrives after an
// earlier flight has finished is served from Tier 1 instead of a second inference.
func (c *Cascade) infer(ctx context.Context, hash string, req Request) (Result, error) {
	if c.deps.Inferrer == nil {
		return Result{}, fmt.Errorf("%w: no inference provider", common.ErrMissingConfig)
	}

	ch := c.flight.DoChan(hash, func() (any, error) {
		// The shared call outlives any single waiter's cancellation.
		callCtx := context.WithoutCancel(ctx)

		entry, err := c.deps.Cache.GetCachedDescription(callCtx, hash)
		switch {
		case err == nil:
			if err := c.deps.Cache.IncrementCacheHit(callCtx, hash, c.now()); err != nil {
				c.logger.Warn("Failed to record cache hit", "hash", hash, "error", err)
			}
			return cachedResult(entry), nil
		case !errors.Is(err, common.ErrNotFound):
			return nil, fmt.Errorf("tier 1 lookup: %w", err)
		}

		inference, err := c.deps.Inferrer.Classify(callCtx, req.Description, c.hints(req))
		if err != nil {
			return nil, err
		}
		c.writeBack(callCtx, hash, req.Description, inference)
		return Result{
			Outcome:               OutcomeResolved,
			Tier:                  model.TierInference,
			Trust:                 model.LevelFor(inference.Confidence),
			NormalizedDescription: inference.NormalizedText,
			GLCode:                inference.GLCode,
			Department:            inference.Department,
			Confidence:            inference.Confidence,
		}, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		result, ok := res.Val.(Result)
		if !ok {
			return Result{}, fmt.Errorf("unexpected inference result %T", res.Val)
		}
		return result, nil
	}
}

func cachedResult(entry *model.DescriptionCacheEntry) Result {
	return Result{
		Outcome:               OutcomeResolved,
		Tier:                  model.TierCache,
		Trust:                 model.ConfidenceHigh,
		NormalizedDescription: entry.NormalizedDescription,
		GLCode:                entry.GLCode,
		Department:            entry.Department,
		Confidence:            1,
	}
}

func (c *Cascade) hints(req Request) []llm.Hint {
	if c.deps.Vendors == nil {
		return nil
	}

	var hints []llm.Hint
	seen := make(map[string]bool)
	add := func(alias *model.VendorAlias) {
		if seen[alias.ID+alias.CanonicalName] {
			return
		}
		seen[alias.ID+alias.CanonicalName] = true
		hints = append(hints, llm.Hint{
			Vendor:     alias.Name(),
			GLCode:     alias.DefaultGLCode,
			Department: alias.DefaultDepartment,
		})
	}

	if alias, ok := c.deps.Vendors.Match(req.Description); ok {
		add(alias)
	}
	if req.Vendor != "" {
		if alias, ok := c.deps.Vendors.Resolve(req.Vendor); ok {
			add(alias)
		}
	}
	return hints
}

// writeBack stores an inference in Tier 1 and, when embedding succeeds, as an
// unverified Tier-2 record. Failures are logged; the inference is still returned.
func (c *Cascade) writeBack(ctx context.Context, hash, raw string, inference llm.Inference) {
	entry := &model.DescriptionCacheEntry{
		Hash:                  hash,
		RawDescription:        raw,
		NormalizedDescription: inference.NormalizedText,
		GLCode:                inference.GLCode,
		Department:            inference.Department,
	}
	if err := c.deps.Cache.UpsertCachedDescription(ctx, entry); err != nil {
		c.logger.Error("Failed to write tier 1 entry", "hash", hash, "error", err)
	}

	if c.deps.Index == nil || c.deps.Embedder == nil {
		return
	}

	vector, err := c.deps.Embedder.Embed(ctx, inference.NormalizedText)
	if err != nil {
		c.logger.Warn("Failed to embed inference result", "text", inference.NormalizedText, "error", err)
		return
	}

	record := &model.EmbeddingRecord{
		Text:       inference.NormalizedText,
		Vector:     vector,
		GLCode:     inference.GLCode,
		Department: inference.Department,
	}
	if err := c.deps.Index.Upsert(ctx, record); err != nil {
		c.logger.Error("Failed to write tier 2 record", "text", inference.NormalizedText, "error", err)
	}
}

func (c *Cascade) record(ctx context.Context, result Result) {
	c.stats.add(result)

	c.logger.Debug("Description categorized",
		"hash", result.DescriptionHash,
		"tier", result.Tier,
		"outcome", result.Outcome,
		"elapsed", result.Elapsed)

	if c.deps.Usage == nil {
		return
	}
	usage := model.TierUsage{
		At:              c.now(),
		DescriptionHash: result.DescriptionHash,
		Outcome:         string(result.Outcome),
		Tier:            result.Tier,
		Elapsed:         result.Elapsed,
	}
	if err := c.deps.Usage.RecordTierUsage(context.WithoutCancel(ctx), usage); err != nil {
		c.logger.Warn("Failed to record tier usage", "error", err)
	}
}
