package fingerprint

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/model"
)

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestExactHash(t *testing.T) {
	a := ExactHash([]byte("receipt bytes"))
	b := ExactHash([]byte("receipt bytes"))
	c := ExactHash([]byte("receipt bytes "))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ExactHash(nil))
}

func TestContentHash_Normalization(t *testing.T) {
	date := time.Date(2025, 3, 1, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		vendorA string
		vendorB string
		amountA decimal.NullDecimal
		amountB decimal.NullDecimal
	}{
		{"trailing zero", "Delta Air Lines", "Delta Air Lines", amount("12.5"), amount("12.50")},
		{"case and whitespace", "  DELTA   air lines ", "delta air lines", amount("450"), amount("450.00")},
		{"integer amount", "Hilton", "hilton", amount("100"), amount("100.000")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ContentHash(tt.vendorA, &date, tt.amountA)
			b := ContentHash(tt.vendorB, &date, tt.amountB)
			assert.Equal(t, a, b)
		})
	}
}

func TestContentKey_MissingFields(t *testing.T) {
	date := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "delta|2025-03-01|450.00", ContentKey(" Delta ", &date, amount("450")))
	assert.Equal(t, "delta||", ContentKey("Delta", nil, decimal.NullDecimal{}))
	assert.Equal(t, "||12.50", ContentKey("", nil, amount("12.5")))
}

func TestContentHash_DistinguishesValues(t *testing.T) {
	d1 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	assert.NotEqual(t, ContentHash("delta", &d1, amount("1")), ContentHash("delta", &d2, amount("1")))
	assert.NotEqual(t, ContentHash("delta", &d1, amount("1")), ContentHash("delta", &d1, amount("1.01")))
}

func TestReceiptContentHash(t *testing.T) {
	date := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r := &model.Receipt{Vendor: "Delta Air Lines", Date: &date, Amount: amount("450.00")}

	assert.Equal(t, ContentHash("delta air lines", &date, amount("450")), ReceiptContentHash(r))
}

func TestDescriptionHash(t *testing.T) {
	a, err := DescriptionHash("DELTA AIR 0062134567")
	require.NoError(t, err)
	b, err := DescriptionHash("  delta  air 0062134567")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = DescriptionHash("   ")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestClassify(t *testing.T) {
	existing := &model.Receipt{ID: "r1"}

	assert.Equal(t, VerdictExactDuplicate, Classify(existing, []model.Receipt{{ID: "r2"}}))
	assert.Equal(t, VerdictSemanticDuplicate, Classify(nil, []model.Receipt{{ID: "r2"}}))
	assert.Equal(t, VerdictUnique, Classify(nil, nil))

	assert.True(t, VerdictExactDuplicate.Blocks(false))
	assert.False(t, VerdictExactDuplicate.Blocks(true))
	assert.False(t, VerdictSemanticDuplicate.Blocks(false))
}
