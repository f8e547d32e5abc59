package fingerprint

import "github.com/Veraticus/expense-flow/internal/model"

// Verdict is the duplicate-detection outcome for an incoming receipt.
type Verdict string

// Verdicts. ExactDuplicate blocks the upload; SemanticDuplicate is advisory only.
const (
	VerdictUnique            Verdict = "UNIQUE"
	VerdictExactDuplicate    Verdict = "EXACT_DUPLICATE"
	VerdictSemanticDuplicate Verdict = "SEMANTIC_DUPLICATE"
)

// Blocks reports whether the verdict prevents the upload from being stored.
func (v Verdict) Blocks(override bool) bool {
	return v == VerdictExactDuplicate && !override
}

// Classify picks the verdict from the results of the exact and semantic lookups.
// Exact matches win over semantic ones.
func Classify(exactMatch *model.Receipt, semanticMatches []model.Receipt) Verdict {
	switch {
	case exactMatch != nil:
		return VerdictExactDuplicate
	case len(semanticMatches) > 0:
		return VerdictSemanticDuplicate
	default:
		return VerdictUnique
	}
}
