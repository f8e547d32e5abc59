package categorize

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/llm"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
	"github.com/Veraticus/expense-flow/internal/similarity"
	"github.com/Veraticus/expense-flow/internal/storage"
	"github.com/Veraticus/expense-flow/internal/vendor"
)

type mockEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (m *mockEmbedder) Model() string { return "mock" }

type mockInferrer struct {
	release chan struct{}
	err     error
	result  llm.Inference
	hints   [][]llm.Hint
	calls   atomic.Int32
	mu      sync.Mutex
}

func (m *mockInferrer) Classify(_ context.Context, _ string, hints []llm.Hint) (llm.Inference, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.hints = append(m.hints, hints)
	m.mu.Unlock()
	if m.release != nil {
		<-m.release
	}
	if m.err != nil {
		return llm.Inference{}, m.err
	}
	return m.result, nil
}

// countingCache counts Tier-1 misses so tests can synchronize on them.
type countingCache struct {
	service.DescriptionCache
	misses atomic.Int32
}

func (c *countingCache) GetCachedDescription(ctx context.Context, hash string) (*model.DescriptionCacheEntry, error) {
	entry, err := c.DescriptionCache.GetCachedDescription(ctx, hash)
	if errors.Is(err, common.ErrNotFound) {
		c.misses.Add(1)
	}
	return entry, err
}

type fixture struct {
	store    *storage.SQLiteStorage
	index    *similarity.SQLiteIndex
	embedder *mockEmbedder
	inferrer *mockInferrer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	return &fixture{
		store:    store,
		index:    similarity.NewSQLiteIndex(store),
		embedder: &mockEmbedder{vectors: map[string][]float32{}},
		inferrer: &mockInferrer{result: llm.Inference{
			NormalizedText: "Delta Air Lines airfare", GLCode: "6100", Department: "Travel", Confidence: 0.9,
		}},
	}
}

func (f *fixture) cascade(t *testing.T, mutate func(*Deps)) *Cascade {
	t.Helper()

	vendors, err := vendor.NewDirectory(vendor.DefaultAliases())
	require.NoError(t, err)

	deps := Deps{
		Cache:    f.store,
		Usage:    f.store,
		Index:    f.index,
		Embedder: f.embedder,
		Inferrer: f.inferrer,
		Vendors:  vendors,
	}
	if mutate != nil {
		mutate(&deps)
	}

	c, err := New(deps, DefaultOptions())
	require.NoError(t, err)
	return c
}

func TestResolve_InferenceThenCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.cascade(t, nil)

	first, err := c.Resolve(ctx, Request{Description: "DELTA AIR 0062341 ATLANTA"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, first.Outcome)
	assert.Equal(t, model.TierInference, first.Tier)
	assert.Equal(t, "6100", first.GLCode)
	assert.Equal(t, model.ConfidenceHigh, first.Trust)

	second, err := c.Resolve(ctx, Request{Description: "  delta air 0062341   atlanta "})
	require.NoError(t, err)
	assert.Equal(t, model.TierCache, second.Tier)
	assert.Equal(t, "Delta Air Lines airfare", second.NormalizedDescription)
	assert.Equal(t, int32(1), f.inferrer.calls.Load())

	// The inference was written to Tier 2 as an unverified record.
	matches, err := f.index.Search(ctx, []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Delta Air Lines airfare", matches[0].Record.Text)
	assert.False(t, matches[0].Record.Verified)

	summary, err := f.store.TierUsageSummary(ctx, time.Time{})
	require.NoError(t, err)
	counts := map[model.Tier]int{}
	for _, s := range summary {
		counts[s.Tier] = s.Count
	}
	assert.Equal(t, map[model.Tier]int{model.TierCache: 1, model.TierInference: 1}, counts)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Total())
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestResolve_PassesVendorHints(t *testing.T) {
	f := newFixture(t)
	c := f.cascade(t, nil)

	_, err := c.Resolve(context.Background(), Request{Description: "DELTA AIR 0062341"})
	require.NoError(t, err)

	require.Len(t, f.inferrer.hints, 1)
	require.NotEmpty(t, f.inferrer.hints[0])
	assert.Contains(t, f.inferrer.hints[0][0].Vendor, "Delta")
}

func TestResolve_SimilarityHit(t *testing.T) {
	tests := []struct {
		name      string
		wantTrust model.ConfidenceLevel
		verified  bool
	}{
		{name: "verified record", verified: true, wantTrust: model.ConfidenceHigh},
		{name: "unverified record is lower trust", verified: false, wantTrust: model.ConfidenceMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			require.NoError(t, f.index.Upsert(ctx, &model.EmbeddingRecord{
				Text: "Marriott lodging", Vector: []float32{1, 0, 0}, GLCode: "6200", Department: "Travel", Verified: tt.verified,
			}))
			f.embedder.vectors["MARRIOTT DOWNTOWN 55"] = []float32{1, 0, 0}
			c := f.cascade(t, nil)

			got, err := c.Resolve(ctx, Request{Description: "MARRIOTT DOWNTOWN 55"})
			require.NoError(t, err)
			assert.Equal(t, OutcomeResolved, got.Outcome)
			assert.Equal(t, model.TierSimilarity, got.Tier)
			assert.Equal(t, "6200", got.GLCode)
			assert.Equal(t, tt.wantTrust, got.Trust)
			assert.InDelta(t, 1.0, got.Similarity, 1e-6)
			assert.Zero(t, f.inferrer.calls.Load())
		})
	}
}

func TestResolve_ProviderFailure(t *testing.T) {
	near := []float32{0.85, float32(math.Sqrt(1 - 0.85*0.85)), 0}
	providerErr := common.Permanent(common.StatusError("openai", 401, "bad key"))

	t.Run("falls back to near match", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		require.NoError(t, f.index.Upsert(ctx, &model.EmbeddingRecord{
			Text: "Hertz car rental", Vector: []float32{1, 0, 0}, GLCode: "6500",
		}))
		f.embedder.vectors["HERTZ #4411"] = near
		f.inferrer.err = providerErr
		c := f.cascade(t, nil)

		got, err := c.Resolve(ctx, Request{Description: "HERTZ #4411"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeDegraded, got.Outcome)
		assert.Equal(t, model.TierSimilarity, got.Tier)
		assert.Equal(t, model.ConfidenceLow, got.Trust)
		assert.Equal(t, "6500", got.GLCode)
		assert.ErrorIs(t, got.ProviderErr, common.ErrProviderFailure)
		assert.InDelta(t, 0.85, got.Similarity, 1e-3)
	})

	t.Run("unresolved without any signal", func(t *testing.T) {
		f := newFixture(t)
		f.inferrer.err = providerErr
		c := f.cascade(t, nil)

		got, err := c.Resolve(context.Background(), Request{Description: "MYSTERY VENDOR 9"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnresolved, got.Outcome)
		assert.Equal(t, model.TierNone, got.Tier)
		assert.Empty(t, got.GLCode)
		assert.ErrorIs(t, got.ProviderErr, common.ErrProviderFailure)
	})

	t.Run("embedding failure still reaches inference", func(t *testing.T) {
		f := newFixture(t)
		f.embedder.err = common.StatusError("voyage", 503, "down")
		c := f.cascade(t, nil)

		got, err := c.Resolve(context.Background(), Request{Description: "DELTA AIR 0062341"})
		require.NoError(t, err)
		assert.Equal(t, model.TierInference, got.Tier)
		assert.Equal(t, int32(1), f.inferrer.calls.Load())
	})

	t.Run("no inference provider configured", func(t *testing.T) {
		f := newFixture(t)
		c := f.cascade(t, func(d *Deps) { d.Inferrer = nil })

		got, err := c.Resolve(context.Background(), Request{Description: "DELTA AIR 0062341"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnresolved, got.Outcome)
		assert.ErrorIs(t, got.ProviderErr, common.ErrMissingConfig)
	})
}

func TestResolve_ConcurrentIdenticalDescriptionsShareInference(t *testing.T) {
	f := newFixture(t)
	f.inferrer.release = make(chan struct{})
	cache := &countingCache{DescriptionCache: f.store}
	c := f.cascade(t, func(d *Deps) { d.Cache = cache; d.Index = nil })

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Resolve(context.Background(), Request{Description: "UBER TRIP HELP.UBER.COM"})
		}(i)
	}

	// Every caller misses Tier 1, then the shared flight checks it once more.
	require.Eventually(t, func() bool { return cache.misses.Load() == callers+1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.inferrer.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.inferrer.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, model.TierInference, results[i].Tier)
		assert.Equal(t, "6100", results[i].GLCode)
	}
}

// gatedEmbedder holds the first embed of one text until released.
type gatedEmbedder struct {
	*mockEmbedder
	text    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == g.text {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return g.mockEmbedder.Embed(ctx, text)
}

func TestResolve_LateCallerAfterFlightUsesCache(t *testing.T) {
	f := newFixture(t)
	const raw = "LYFT RIDE 4471 SAN FRANCISCO"
	f.embedder.vectors[raw] = []float32{1, 0, 0}
	f.embedder.vectors["Delta Air Lines airfare"] = []float32{0, 1, 0}

	embedder := &gatedEmbedder{
		mockEmbedder: f.embedder,
		text:         raw,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	c := f.cascade(t, func(d *Deps) { d.Embedder = embedder })

	// The late caller misses Tier 1 and stalls in Tier 2.
	var late Result
	var lateErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		late, lateErr = c.Resolve(context.Background(), Request{Description: raw})
	}()
	<-embedder.entered

	// A second caller runs the whole cascade, including write-back, meanwhile.
	first, err := c.Resolve(context.Background(), Request{Description: raw})
	require.NoError(t, err)
	assert.Equal(t, model.TierInference, first.Tier)

	close(embedder.release)
	<-done

	require.NoError(t, lateErr)
	assert.Equal(t, model.TierCache, late.Tier)
	assert.Equal(t, OutcomeResolved, late.Outcome)
	assert.Equal(t, "6100", late.GLCode)
	assert.Equal(t, int32(1), f.inferrer.calls.Load())
}

func TestResolve_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.cascade(t, nil)

	_, err := c.Resolve(context.Background(), Request{Description: "   "})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestNew_RejectsBadOptions(t *testing.T) {
	f := newFixture(t)

	_, err := New(Deps{}, DefaultOptions())
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	_, err = New(Deps{Cache: f.store}, Options{SimilarityThreshold: 0.9, NearMatchFloor: 0.95})
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestResolveBatch(t *testing.T) {
	f := newFixture(t)
	c := f.cascade(t, nil)

	requests := []Request{
		{Description: "DELTA AIR 1"},
		{Description: ""},
		{Description: "DELTA AIR 1"},
	}
	items := c.ResolveBatch(context.Background(), requests, 1)
	require.Len(t, items, 3)

	require.NoError(t, items[0].Err)
	assert.ErrorIs(t, items[1].Err, common.ErrValidation)
	require.NoError(t, items[2].Err)
	assert.Equal(t, 2, items[2].Index)
	assert.Equal(t, int32(1), f.inferrer.calls.Load())
}

func TestResolveBatch_Canceled(t *testing.T) {
	f := newFixture(t)
	c := f.cascade(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := c.ResolveBatch(ctx, []Request{{Description: "A"}, {Description: "B"}}, 4)
	for _, item := range items {
		assert.ErrorIs(t, item.Err, context.Canceled)
	}
	assert.Zero(t, f.inferrer.calls.Load())
}

func TestResolveBatch_StartedItemSurvivesCancel(t *testing.T) {
	f := newFixture(t)
	f.inferrer.release = make(chan struct{})
	c := f.cascade(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var items []BatchItem
	done := make(chan struct{})
	go func() {
		defer close(done)
		items = c.ResolveBatch(ctx, []Request{{Description: "DELTA AIR 77"}, {Description: "UNITED 88"}}, 1)
	}()

	require.Eventually(t, func() bool { return f.inferrer.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(f.inferrer.release)
	<-done

	require.Len(t, items, 2)
	require.NoError(t, items[0].Err)
	assert.Equal(t, model.TierInference, items[0].Result.Tier)
	assert.Equal(t, "6100", items[0].Result.GLCode)
	assert.ErrorIs(t, items[1].Err, context.Canceled)
	assert.Equal(t, int32(1), f.inferrer.calls.Load())
}
