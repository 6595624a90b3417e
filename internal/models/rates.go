package models

import "time"

// Dataset keys. Each dataset has its own rate table and its own
// coverage cursor.
const (
	DatasetMortgage     = "mortgage"
	DatasetSavings      = "savings"
	DatasetTermDeposits = "term_deposits"
)

// AllDatasets lists the datasets the coverage walker iterates.
var AllDatasets = []string{DatasetMortgage, DatasetSavings, DatasetTermDeposits}

// RateRow is one normalized product-rate observation.
type RateRow struct {
	Dataset        string    `json:"dataset"`
	LenderCode     string    `json:"lender_code"`
	ProductID      string    `json:"product_id"`
	ProductName    string    `json:"product_name"`
	RatePct        float64   `json:"rate_pct"`
	ComparisonPct  float64   `json:"comparison_pct,omitempty"`
	CollectionDate time.Time `json:"collection_date"`
	SourceURL      string    `json:"source_url,omitempty"`
	Provenance     string    `json:"provenance,omitempty"`
}

// Lender describes one configured institution.
type Lender struct {
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	CDRBaseURL      string   `json:"cdr_base_url,omitempty"`
	SeedURLs        []string `json:"seed_urls,omitempty"`
	SavingsSeedURLs []string `json:"savings_seed_urls,omitempty"`
}

// SeedPages returns the scrape pages that carry a dataset's rates.
// Deposit datasets must never fall back to the mortgage pages: a
// lender with no savings pages configured has nothing to scrape.
func (l Lender) SeedPages(dataset string) []string {
	switch dataset {
	case DatasetSavings, DatasetTermDeposits:
		return l.SavingsSeedURLs
	default:
		return l.SeedURLs
	}
}
