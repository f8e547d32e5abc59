package warmup

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/embedding"
	"github.com/Veraticus/expense-flow/internal/fingerprint"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
	"github.com/Veraticus/expense-flow/internal/similarity"
	"github.com/Veraticus/expense-flow/internal/vendor"
)

// Store is the persistence warm-up writes to.
type Store interface {
	service.DescriptionCache
	service.AliasStore
}

// Summary reports an import run.
type Summary struct {
	GLTotals     map[string]decimal.Decimal
	Errors       []RowError
	Rows         int
	Cached       int
	Embedded     int
	EmbedFailed  int
	AliasesAdded int
}

// Importer turns historical expenses into Tier-1 entries, verified Tier-2 records and
// vendor aliases carrying default accounting codes.
type Importer struct {
	store    Store
	vendors  *vendor.Directory
	index    similarity.Index
	embedder embedding.Provider
	logger   *slog.Logger
	progress func(done, total int)
}

// Option configures an Importer.
type Option func(*Importer)

// WithSimilarity also stores each distinct vendor text as a verified Tier-2 record.
func WithSimilarity(index similarity.Index, embedder embedding.Provider) Option {
	return func(im *Importer) {
		im.index = index
		im.embedder = embedder
	}
}

// WithProgress registers a callback invoked after each row.
func WithProgress(fn func(done, total int)) Option {
	return func(im *Importer) { im.progress = fn }
}

// NewImporter creates an importer. vendors may be nil.
func NewImporter(store Store, vendors *vendor.Directory, logger *slog.Logger, opts ...Option) *Importer {
	im := &Importer{
		store:   store,
		vendors: vendors,
		logger:  common.LoggerOrDefault(logger),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Import reads a CSV export and seeds the tiers. Cancellation is checked between rows.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*Summary, error) {
	rows, rowErrs, err := ParseCSV(r)
	if err != nil {
		return nil, err
	}
	return im.ImportRows(ctx, rows, rowErrs)
}

// ImportRows seeds the tiers from already parsed rows.
func (im *Importer) ImportRows(ctx context.Context, rows []Row, rowErrs []RowError) (*Summary, error) {
	summary := &Summary{
		GLTotals: make(map[string]decimal.Decimal),
		Errors:   rowErrs,
		Rows:     len(rows),
	}
	codes := newCodeTally()
	embedded := make(map[string]bool)

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.GLTotals[row.GLCode] = summary.GLTotals[row.GLCode].Add(row.Amount)
		normalized, alias := im.normalize(row)

		if err := im.cache(ctx, row, normalized); err != nil {
			summary.Errors = append(summary.Errors, RowError{Line: row.Line, Err: err})
		} else {
			summary.Cached++
		}

		if im.index != nil && im.embedder != nil && !embedded[normalized] {
			embedded[normalized] = true
			if err := im.embed(ctx, row, normalized); err != nil {
				summary.EmbedFailed++
				im.logger.Warn("Failed to embed historical vendor", "text", normalized, "error", err)
			} else {
				summary.Embedded++
			}
		}

		codes.add(aliasFor(row, alias), row.GLCode, row.Department)

		if im.progress != nil {
			im.progress(i+1, len(rows))
		}
	}

	added, err := im.store.SeedAliases(ctx, codes.aliases())
	if err != nil {
		return summary, fmt.Errorf("failed to seed aliases: %w", err)
	}
	summary.AliasesAdded = added

	im.logger.Info("Cache warm-up finished",
		"rows", summary.Rows,
		"cached", summary.Cached,
		"embedded", summary.Embedded,
		"aliases_added", added,
		"errors", len(summary.Errors))
	return summary, nil
}

// normalize picks the text shared by all lines from the same vendor: the alias name when
// the description is recognized, then the report's vendor column, then the description.
func (im *Importer) normalize(row Row) (string, *model.VendorAlias) {
	if im.vendors != nil {
		if alias, ok := im.vendors.Match(row.Description); ok {
			return alias.Name(), alias
		}
	}
	if row.Vendor != "" && !strings.EqualFold(row.Vendor, "unknown") {
		return row.Vendor, nil
	}
	return row.Description, nil
}

func (im *Importer) cache(ctx context.Context, row Row, normalized string) error {
	hash, err := fingerprint.DescriptionHash(row.Description)
	if err != nil {
		return err
	}
	return im.store.UpsertCachedDescription(ctx, &model.DescriptionCacheEntry{
		Hash:                  hash,
		RawDescription:        row.Description,
		NormalizedDescription: normalized,
		GLCode:                row.GLCode,
		Department:            row.Department,
	})
}

func (im *Importer) embed(ctx context.Context, row Row, normalized string) error {
	vector, err := im.embedder.Embed(ctx, normalized)
	if err != nil {
		return err
	}
	return im.index.Upsert(ctx, &model.EmbeddingRecord{
		Text:       normalized,
		Vector:     vector,
		GLCode:     row.GLCode,
		Department: row.Department,
		Verified:   true,
	})
}

// aliasFor returns the alias a row reinforces: the recognized one, or a new literal alias
// for the report's vendor column. Nil when the row names no vendor.
func aliasFor(row Row, known *model.VendorAlias) *model.VendorAlias {
	if known != nil {
		a := *known
		return &a
	}
	name := strings.TrimSpace(row.Vendor)
	if name == "" || strings.EqualFold(name, "unknown") {
		return nil
	}
	return &model.VendorAlias{
		Pattern:       `\b` + regexp.QuoteMeta(name) + `\b`,
		CanonicalName: name,
		DisplayName:   name,
	}
}

type codePair struct {
	gl   string
	dept string
}

// codeTally counts accounting codes per alias pattern so each alias gets its most common pair.
type codeTally struct {
	aliasByPattern map[string]model.VendorAlias
	counts         map[string]map[codePair]int
	order          []string
}

func newCodeTally() *codeTally {
	return &codeTally{
		aliasByPattern: make(map[string]model.VendorAlias),
		counts:         make(map[string]map[codePair]int),
	}
}

func (t *codeTally) add(alias *model.VendorAlias, gl, dept string) {
	if alias == nil {
		return
	}
	if _, ok := t.aliasByPattern[alias.Pattern]; !ok {
		t.aliasByPattern[alias.Pattern] = *alias
		t.counts[alias.Pattern] = make(map[codePair]int)
		t.order = append(t.order, alias.Pattern)
	}
	t.counts[alias.Pattern][codePair{gl: gl, dept: dept}]++
}

func (t *codeTally) aliases() []model.VendorAlias {
	out := make([]model.VendorAlias, 0, len(t.order))
	for _, pattern := range t.order {
		pairs := make([]codePair, 0, len(t.counts[pattern]))
		for p := range t.counts[pattern] {
			pairs = append(pairs, p)
		}
		counts := t.counts[pattern]
		slices.SortFunc(pairs, func(a, b codePair) int {
			if c := cmp.Compare(counts[b], counts[a]); c != 0 {
				return c
			}
			if c := cmp.Compare(a.gl, b.gl); c != 0 {
				return c
			}
			return cmp.Compare(a.dept, b.dept)
		})

		alias := t.aliasByPattern[pattern]
		alias.DefaultGLCode = pairs[0].gl
		alias.DefaultDepartment = pairs[0].dept
		out = append(out, alias)
	}
	return out
}
