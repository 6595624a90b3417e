// Package rates validates and persists normalized product-rate rows.
package rates

import (
	"time"

	"ratewatch/internal/models"
)

// Rates outside this band are extraction noise, not products.
const (
	minRatePct = 0.0
	maxRatePct = 30.0
)

// Validator checks extracted rows before they reach the writer.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns ok=false with a short machine-readable reason for
// rows that must not be written.
func (v *Validator) Validate(row models.RateRow) (bool, string) {
	if row.LenderCode == "" {
		return false, "missing_lender_code"
	}
	if row.ProductID == "" {
		return false, "missing_product_id"
	}
	if !knownDataset(row.Dataset) {
		return false, "unknown_dataset"
	}
	if row.CollectionDate.IsZero() {
		return false, "missing_collection_date"
	}
	if row.CollectionDate.After(models.Day(time.Now().UTC()).AddDate(0, 0, 1)) {
		return false, "future_collection_date"
	}
	if models.BeforeLowerBound(row.CollectionDate) {
		return false, "before_history_lower_bound"
	}
	if row.RatePct <= minRatePct || row.RatePct > maxRatePct {
		return false, "rate_out_of_bounds"
	}
	return true, ""
}

func knownDataset(dataset string) bool {
	for _, d := range models.AllDatasets {
		if d == dataset {
			return true
		}
	}
	return false
}
