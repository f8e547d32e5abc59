// Package warmup seeds the categorization tiers and vendor aliases from historical expense
// reports exported as CSV.
package warmup

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/expense-flow/internal/common"
)

// Row is one historical expense line.
type Row struct {
	Date        *time.Time
	Description string
	Vendor      string
	GLCode      string
	Department  string
	Amount      decimal.Decimal
	Line        int
}

// RowError is a line that could not be imported.
type RowError struct {
	Err  error
	Line int
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e RowError) Unwrap() error { return e.Err }

var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", "01/02/06", "1/2/06"}

// ParseCSV reads rows with the header Date,Description,Vendor,Amount,GL Code,Department.
// Columns are located by header name, so their order does not matter. Bad rows are
// reported and skipped; a missing header is an error.
func ParseCSV(r io.Reader) ([]Row, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, common.Validationf("empty CSV")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range []string{"description", "gl code"} {
		if _, ok := index[c]; !ok {
			return nil, nil, common.Validationf("CSV header is missing column %q", c)
		}
	}

	var (
		rows   []Row
		errs   []RowError
		lineNo = 1
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		lineNo++
		if err != nil {
			errs = append(errs, RowError{Line: lineNo, Err: err})
			continue
		}

		field := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		row, err := parseRow(field)
		if err != nil {
			errs = append(errs, RowError{Line: lineNo, Err: err})
			continue
		}
		row.Line = lineNo
		rows = append(rows, row)
	}
	return rows, errs, nil
}

func parseRow(field func(string) string) (Row, error) {
	row := Row{
		Description: strings.Join(strings.Fields(field("description")), " "),
		Vendor:      field("vendor"),
		GLCode:      strings.TrimRight(field("gl code"), "."),
		Department:  field("department"),
	}
	if row.Description == "" {
		return row, common.Validationf("missing description")
	}
	if row.GLCode == "" {
		return row, common.Validationf("missing GL code")
	}

	amount, err := ParseAmount(field("amount"))
	if err != nil {
		return row, err
	}
	row.Amount = amount

	if s := field("date"); s != "" {
		d, err := parseDate(s)
		if err != nil {
			return row, err
		}
		row.Date = &d
	}
	return row, nil
}

// ParseAmount parses report amounts such as "$1,234.56", "-12.00" or "(12.00)".
// An empty amount is zero.
func ParseAmount(s string) (decimal.Decimal, error) {
	clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if clean == "" {
		return decimal.Zero, nil
	}

	negative := strings.HasPrefix(clean, "(") && strings.HasSuffix(clean, ")")
	if negative {
		clean = clean[1 : len(clean)-1]
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, common.Validationf("invalid amount %q", s)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, common.Validationf("invalid date %q", s)
}
