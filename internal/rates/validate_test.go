package rates

import (
	"testing"
	"time"

	"ratewatch/internal/models"
)

func validRow() models.RateRow {
	return models.RateRow{
		Dataset:        models.DatasetMortgage,
		LenderCode:     "anz",
		ProductID:      "variable-owner-occ",
		ProductName:    "Standard Variable",
		RatePct:        6.24,
		CollectionDate: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestValidateAcceptsSaneRow(t *testing.T) {
	v := NewValidator()
	ok, reason := v.Validate(validRow())
	if !ok {
		t.Fatalf("expected valid, got reason %q", reason)
	}
}

func TestValidateRejections(t *testing.T) {
	v := NewValidator()
	cases := []struct {
		name   string
		mutate func(*models.RateRow)
		want   string
	}{
		{"no lender", func(r *models.RateRow) { r.LenderCode = "" }, "missing_lender_code"},
		{"no product", func(r *models.RateRow) { r.ProductID = "" }, "missing_product_id"},
		{"bad dataset", func(r *models.RateRow) { r.Dataset = "crypto" }, "unknown_dataset"},
		{"zero date", func(r *models.RateRow) { r.CollectionDate = time.Time{} }, "missing_collection_date"},
		{"prehistoric", func(r *models.RateRow) { r.CollectionDate = time.Date(1995, 6, 1, 0, 0, 0, 0, time.UTC) }, "before_history_lower_bound"},
		{"zero rate", func(r *models.RateRow) { r.RatePct = 0 }, "rate_out_of_bounds"},
		{"absurd rate", func(r *models.RateRow) { r.RatePct = 45 }, "rate_out_of_bounds"},
	}
	for _, tc := range cases {
		row := validRow()
		tc.mutate(&row)
		ok, reason := v.Validate(row)
		if ok {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if reason != tc.want {
			t.Fatalf("%s: reason = %q, want %q", tc.name, reason, tc.want)
		}
	}
}
