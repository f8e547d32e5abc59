package model

import "time"

// VendorAlias is a canonical vendor identity recognized by a pattern in free text.
type VendorAlias struct {
	LastMatchedAt     *time.Time
	CreatedAt         time.Time
	ID                string
	Pattern           string // Case-insensitive regular expression
	CanonicalName     string
	DisplayName       string
	DefaultGLCode     string
	DefaultDepartment string
	MatchCount        int     // Only ever increases
	Confidence        float64 // Set by explicit configuration only
}

// Name returns the display name, falling back to the canonical name.
func (v *VendorAlias) Name() string {
	if v.DisplayName != "" {
		return v.DisplayName
	}
	return v.CanonicalName
}
