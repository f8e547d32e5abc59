// Package feedback turns user decisions into reinforced vendor aliases, learned expense
// patterns and verified categorization memory.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/embedding"
	"github.com/Veraticus/expense-flow/internal/fingerprint"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
	"github.com/Veraticus/expense-flow/internal/similarity"
	"github.com/Veraticus/expense-flow/internal/vendor"
)

// Store is the persistence the learner writes to.
type Store interface {
	service.TransactionStore
	service.AliasStore
	service.PatternStore
	service.DescriptionCache
}

// Accepted is a categorization the user agreed with or corrected.
type Accepted struct {
	NormalizedDescription string // Empty keeps the cached normalization, or the raw text
	GLCode                string
	Department            string
}

// Learner records match and categorization feedback.
type Learner struct {
	store    Store
	vendors  *vendor.Directory
	index    similarity.Index
	embedder embedding.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Learner.
type Option func(*Learner)

// WithSimilarity lets accepted categorizations become verified Tier-2 records.
func WithSimilarity(index similarity.Index, embedder embedding.Provider) Option {
	return func(l *Learner) {
		l.index = index
		l.embedder = embedder
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// NewLearner creates a learner. vendors may be nil, in which case no alias is ever reinforced
// and vendor keys fall back to the normalized vendor text.
func NewLearner(store Store, vendors *vendor.Directory, logger *slog.Logger, opts ...Option) *Learner {
	l := &Learner{
		store:   store,
		vendors: vendors,
		logger:  common.LoggerOrDefault(logger),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnMatchConfirmed reinforces the vendor alias behind the match and folds the amount into
// the vendor's expense pattern.
func (l *Learner) OnMatchConfirmed(ctx context.Context, receipt *model.Receipt, target model.MatchTarget) error {
	text, targetAmount, err := l.describeTarget(ctx, target)
	if err != nil {
		return err
	}

	now := l.now()
	var errs []error
	if alias := l.aliasFor(text, receipt.Vendor); alias != nil {
		if err := l.store.IncrementAliasMatch(ctx, alias.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("failed to reinforce alias %s: %w", alias.CanonicalName, err))
		}
	}

	amount := targetAmount
	if receipt.Amount.Valid {
		amount = receipt.Amount.Decimal
	}
	key, display := vendorKey(l.vendors, receipt.Vendor, text)
	pattern, err := l.store.RecordPatternConfirm(ctx, key, display, amount.Abs().InexactFloat64(), now)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to record confirmation for %q: %w", key, err))
	} else {
		l.logger.Debug("Recorded pattern confirmation",
			"vendor_key", key,
			"confirms", pattern.ConfirmCount,
			"rejects", pattern.RejectCount)
	}
	return errors.Join(errs...)
}

// OnMatchRejected counts a rejection against the vendor's pattern. Amount statistics and
// aliases are left alone.
func (l *Learner) OnMatchRejected(ctx context.Context, receipt *model.Receipt, target model.MatchTarget) error {
	text, _, err := l.describeTarget(ctx, target)
	if err != nil {
		return err
	}

	key, display := vendorKey(l.vendors, receipt.Vendor, text)
	if _, err := l.store.RecordPatternReject(ctx, key, display, l.now()); err != nil {
		return fmt.Errorf("failed to record rejection for %q: %w", key, err)
	}
	return nil
}

// OnCategorizationAccepted pins the accepted codes in Tier 1, stores the normalized text as a
// verified Tier-2 record and reinforces the alias the description matches.
func (l *Learner) OnCategorizationAccepted(ctx context.Context, raw string, accepted Accepted) error {
	hash, err := fingerprint.DescriptionHash(raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(accepted.GLCode) == "" {
		return common.Validationf("accepted categorization for %q has no GL code", raw)
	}

	normalized := strings.TrimSpace(accepted.NormalizedDescription)
	if normalized == "" {
		normalized, err = l.cachedNormalization(ctx, hash, raw)
		if err != nil {
			return err
		}
	}

	entry := &model.DescriptionCacheEntry{
		Hash:                  hash,
		RawDescription:        raw,
		NormalizedDescription: normalized,
		GLCode:                accepted.GLCode,
		Department:            accepted.Department,
	}
	if err := l.store.UpsertCachedDescription(ctx, entry); err != nil {
		return fmt.Errorf("failed to store accepted categorization: %w", err)
	}

	var errs []error
	if err := l.verify(ctx, normalized, accepted); err != nil {
		errs = append(errs, err)
	}
	if alias := l.aliasFor(raw, ""); alias != nil {
		if err := l.store.IncrementAliasMatch(ctx, alias.ID, l.now()); err != nil {
			errs = append(errs, fmt.Errorf("failed to reinforce alias %s: %w", alias.CanonicalName, err))
		}
	}
	return errors.Join(errs...)
}

// verify upserts a verified record for text. When embedding fails the existing record, if
// any, is still promoted.
func (l *Learner) verify(ctx context.Context, text string, accepted Accepted) error {
	if l.index == nil {
		return nil
	}

	if l.embedder != nil {
		vector, err := l.embedder.Embed(ctx, text)
		if err == nil {
			rec := &model.EmbeddingRecord{
				Text:       text,
				Vector:     vector,
				GLCode:     accepted.GLCode,
				Department: accepted.Department,
				Verified:   true,
			}
			if err := l.index.Upsert(ctx, rec); err != nil {
				return fmt.Errorf("failed to store verified embedding: %w", err)
			}
			return nil
		}
		l.logger.Warn("Embedding failed, promoting existing record only", "text", text, "error", err)
	}

	if err := l.index.MarkVerified(ctx, text); err != nil {
		return fmt.Errorf("failed to verify embedding: %w", err)
	}
	return nil
}

func (l *Learner) cachedNormalization(ctx context.Context, hash, raw string) (string, error) {
	entry, err := l.store.GetCachedDescription(ctx, hash)
	switch {
	case err == nil:
		return entry.NormalizedDescription, nil
	case errors.Is(err, common.ErrNotFound):
		return strings.Join(strings.Fields(raw), " "), nil
	default:
		return "", fmt.Errorf("failed to read cached description: %w", err)
	}
}

// describeTarget returns the merchant text and amount of a match target.
func (l *Learner) describeTarget(ctx context.Context, target model.MatchTarget) (string, decimal.Decimal, error) {
	switch target.Kind() {
	case model.TargetTransaction:
		txn, err := l.store.GetTransaction(ctx, target.ID())
		if err != nil {
			return "", decimal.Zero, fmt.Errorf("failed to load transaction: %w", err)
		}
		return txn.Description, txn.Amount, nil
	case model.TargetGroup:
		group, err := l.store.GetGroup(ctx, target.ID())
		if err != nil {
			return "", decimal.Zero, fmt.Errorf("failed to load group: %w", err)
		}
		return group.Name, group.CombinedAmount, nil
	default:
		return "", decimal.Zero, fmt.Errorf("%w: %s", model.ErrInvalidTarget, target)
	}
}

// aliasFor returns the persisted alias recognized in text, falling back to the vendor name.
func (l *Learner) aliasFor(text, vendorName string) *model.VendorAlias {
	if l.vendors == nil {
		return nil
	}
	alias, ok := l.vendors.Match(text)
	if !ok && vendorName != "" {
		alias, ok = l.vendors.Resolve(vendorName)
	}
	if !ok || alias.ID == "" {
		return nil
	}
	return alias
}

// vendorKey prefers the receipt's vendor over the statement text.
func vendorKey(vendors *vendor.Directory, vendorName, text string) (key, display string) {
	source := vendorName
	if strings.TrimSpace(source) == "" {
		source = text
	}
	if vendors == nil {
		return fingerprint.NormalizeVendor(source), strings.TrimSpace(source)
	}
	return vendors.Key(source)
}
