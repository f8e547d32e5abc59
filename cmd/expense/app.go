package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Veraticus/expense-flow/internal/categorize"
	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/config"
	"github.com/Veraticus/expense-flow/internal/embedding"
	"github.com/Veraticus/expense-flow/internal/feedback"
	"github.com/Veraticus/expense-flow/internal/intake"
	"github.com/Veraticus/expense-flow/internal/llm"
	"github.com/Veraticus/expense-flow/internal/matching"
	"github.com/Veraticus/expense-flow/internal/service"
	"github.com/Veraticus/expense-flow/internal/similarity"
	"github.com/Veraticus/expense-flow/internal/storage"
	"github.com/Veraticus/expense-flow/internal/vectordb"
	"github.com/Veraticus/expense-flow/internal/vendor"
)

// app holds the wired components for one command invocation.
type app struct {
	logger   *slog.Logger
	store    *storage.SQLiteStorage
	vendors  *vendor.Directory
	qdrant   *vectordb.QdrantIndex
	index    similarity.Index
	embedder embedding.Provider
	cfg      config.Config
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	a := &app{cfg: cfg, store: store, logger: slog.Default()}
	if err := a.loadVendors(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.qdrant != nil {
		if err := a.qdrant.Close(); err != nil {
			a.logger.Warn("Failed to close vector database connection", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}

// loadVendors reads persisted aliases. Until aliases are seeded the built-in table is used
// read-only, so nothing is reinforced.
func (a *app) loadVendors(ctx context.Context) error {
	aliases, err := a.store.ListAliases(ctx)
	if err != nil {
		return fmt.Errorf("failed to load vendor aliases: %w", err)
	}
	if len(aliases) == 0 {
		a.logger.Debug("No vendor aliases stored, using built-in table")
		aliases = vendor.DefaultAliases()
	}
	a.vendors, err = vendor.NewDirectory(aliases)
	return err
}

// similarity returns the Tier-2 index and embedder, or nils when no embedding provider is
// configured.
func (a *app) similarity(ctx context.Context) (similarity.Index, embedding.Provider, error) {
	if a.embedder != nil {
		return a.index, a.embedder, nil
	}

	embedder, err := embedding.NewProvider(a.cfg.Embedding.EmbeddingConfig())
	if errors.Is(err, common.ErrMissingConfig) {
		a.logger.Debug("Embedding provider not configured, similarity tier disabled")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	retention := a.cfg.Cascade.Retention
	if a.cfg.VectorDB.Enabled() {
		q, err := vectordb.Dial(a.cfg.VectorDB.QdrantConfig(retention), a.logger)
		if err != nil {
			return nil, nil, err
		}
		if err := q.EnsureCollection(ctx); err != nil {
			_ = q.Close()
			return nil, nil, err
		}
		a.qdrant = q
		a.index = q
	} else {
		a.index = similarity.NewSQLiteIndex(a.store, similarity.WithRetention(retention))
	}
	a.embedder = embedder
	return a.index, a.embedder, nil
}

func (a *app) learner(ctx context.Context) (*feedback.Learner, error) {
	index, embedder, err := a.similarity(ctx)
	if err != nil {
		return nil, err
	}
	var opts []feedback.Option
	if index != nil {
		opts = append(opts, feedback.WithSimilarity(index, embedder))
	}
	return feedback.NewLearner(a.store, a.vendors, a.logger, opts...), nil
}

func (a *app) predictor() *feedback.Predictor {
	return feedback.NewPredictor(a.store, a.vendors, a.cfg.Learning.Thresholds(), a.logger)
}

func (a *app) manager(ctx context.Context) (*matching.Manager, error) {
	learner, err := a.learner(ctx)
	if err != nil {
		return nil, err
	}
	scorer := matching.NewScorer(a.cfg.Matching.ScorerConfig(), a.vendors)
	return matching.NewManager(a.store, scorer, learner, a.cfg.Matching.ManagerConfig(), a.logger), nil
}

func (a *app) cascade(ctx context.Context) (*categorize.Cascade, error) {
	index, embedder, err := a.similarity(ctx)
	if err != nil {
		return nil, err
	}

	deps := categorize.Deps{
		Cache:    a.store,
		Usage:    a.store,
		Index:    index,
		Embedder: embedder,
		Vendors:  a.vendors,
		Logger:   a.logger,
	}
	classifier, err := llm.NewClassifier(a.cfg.LLM.ClassifierConfig(), a.logger)
	switch {
	case errors.Is(err, common.ErrMissingConfig):
		a.logger.Warn("LLM provider not configured, inference tier disabled")
	case err != nil:
		return nil, err
	default:
		deps.Inferrer = classifier
	}
	return categorize.New(deps, a.cfg.Cascade.Options())
}

func (a *app) intake(ctx context.Context, process bool) (*intake.Intake, error) {
	manager, err := a.manager(ctx)
	if err != nil {
		return nil, err
	}

	// Process needs the intake it is queued on, so the queue closes over in.
	var in *intake.Intake
	var queue service.JobQueue
	if process {
		queue = intake.QueueFunc(func(ctx context.Context, receiptID string) error {
			_, err := in.Process(ctx, receiptID)
			return err
		})
	}
	in = intake.New(a.store, intake.DirBlobStore{Root: a.cfg.Receipts.Dir}, queue, manager,
		intake.Config{BackfillWorkers: a.cfg.Receipts.BackfillWorkers}, a.logger)
	return in, nil
}
