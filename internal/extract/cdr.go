// Package extract pulls product-rate data out of CDR endpoints, live
// HTML pages, and archived snapshots.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ratewatch/internal/models"
)

// CDR product-reference API version sent as the x-v header.
const cdrProductsVersion = "3"

// payload size cap; CDR product listings are small.
const maxBodyBytes = 8 << 20

// ProductsResult is the outcome of a product-listing fetch.
type ProductsResult struct {
	ProductIDs []string
	RawPayload []byte
	SourceURL  string
	HTTPStatus int
}

// DetailResult is the outcome of a product-detail fetch.
type DetailResult struct {
	Rows       []models.RateRow
	RawPayload []byte
	SourceURL  string
	HTTPStatus int
}

// CDRClient fetches the regulated open-banking product endpoints.
type CDRClient struct {
	httpClient *http.Client
	throttle   Throttle
	log        *zap.Logger
}

// Throttle gates outbound fetches per host. A denied fetch surfaces as
// a transient error so the queue's backoff paces the retry; nothing
// sleeps in-process.
type Throttle interface {
	Allow(ctx context.Context, host string) (bool, error)
}

func NewCDRClient(timeout time.Duration, throttle Throttle, log *zap.Logger) *CDRClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &CDRClient{
		httpClient: &http.Client{Timeout: timeout},
		throttle:   throttle,
		log:        log,
	}
}

// FetchProducts lists a lender's product ids from its CDR endpoint.
func (c *CDRClient) FetchProducts(ctx context.Context, lender models.Lender) (ProductsResult, error) {
	if lender.CDRBaseURL == "" {
		return ProductsResult{}, fmt.Errorf("lender %s has no cdr endpoint", lender.Code)
	}
	url := lender.CDRBaseURL + "/banking/products"
	body, status, err := c.get(ctx, url)
	if err != nil {
		return ProductsResult{}, err
	}
	result := ProductsResult{RawPayload: body, SourceURL: url, HTTPStatus: status}

	var parsed struct {
		Data struct {
			Products []struct {
				ProductID string `json:"productId"`
			} `json:"products"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return result, fmt.Errorf("decode products payload from %s: %w", lender.Code, err)
	}
	for _, p := range parsed.Data.Products {
		if p.ProductID != "" {
			result.ProductIDs = append(result.ProductIDs, p.ProductID)
		}
	}
	return result, nil
}

// FetchProductDetail pulls one product's rates and normalizes them
// into dated rate rows.
func (c *CDRClient) FetchProductDetail(ctx context.Context, lender models.Lender, productID string, date time.Time) (DetailResult, error) {
	if lender.CDRBaseURL == "" {
		return DetailResult{}, fmt.Errorf("lender %s has no cdr endpoint", lender.Code)
	}
	url := lender.CDRBaseURL + "/banking/products/" + productID
	body, status, err := c.get(ctx, url)
	if err != nil {
		return DetailResult{}, err
	}
	result := DetailResult{RawPayload: body, SourceURL: url, HTTPStatus: status}
	result.Rows = parseDetailRows(body, lender.Code, productID, date, url)
	return result, nil
}

func (c *CDRClient) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-v", cdrProductsVersion)
	req.Header.Set("Accept", "application/json")

	if c.throttle != nil {
		allowed, err := c.throttle.Allow(ctx, req.URL.Host)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch throttle: %w", err)
		}
		if !allowed {
			return nil, 0, fmt.Errorf("fetch throttled for host %s", req.URL.Host)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return body, resp.StatusCode, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

// CDR product categories mapped onto dataset keys.
var categoryDatasets = map[string]string{
	"RESIDENTIAL_MORTGAGES":      models.DatasetMortgage,
	"TRANS_AND_SAVINGS_ACCOUNTS": models.DatasetSavings,
	"TERM_DEPOSITS":              models.DatasetTermDeposits,
}

// toPct scales a CDR decimal rate ("0.0624") to a percentage, rounded
// to four decimal places so binary-float scaling noise never reaches
// the rate tables.
func toPct(rate float64) float64 {
	return math.Round(rate*1e6) / 1e4
}

func parseDetailRows(body []byte, lenderCode, productID string, date time.Time, sourceURL string) []models.RateRow {
	var parsed struct {
		Data struct {
			ProductCategory string    `json:"productCategory"`
			Name            string    `json:"name"`
			LendingRates    []cdrRate `json:"lendingRates"`
			DepositRates    []cdrRate `json:"depositRates"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	dataset, ok := categoryDatasets[parsed.Data.ProductCategory]
	if !ok {
		return nil
	}

	var rows []models.RateRow
	appendRate := func(r cdrRate) {
		rate, err := strconv.ParseFloat(r.Rate, 64)
		if err != nil {
			return
		}
		row := models.RateRow{
			Dataset:        dataset,
			LenderCode:     lenderCode,
			ProductID:      productID,
			ProductName:    parsed.Data.Name,
			RatePct:        toPct(rate),
			CollectionDate: models.Day(date),
			SourceURL:      sourceURL,
		}
		if r.ComparisonRate != "" {
			if cmp, err := strconv.ParseFloat(r.ComparisonRate, 64); err == nil {
				row.ComparisonPct = toPct(cmp)
			}
		}
		rows = append(rows, row)
	}
	for _, r := range parsed.Data.LendingRates {
		appendRate(r)
	}
	for _, r := range parsed.Data.DepositRates {
		appendRate(r)
	}
	return rows
}

// cdrRate is the shared shape of lendingRates and depositRates
// entries. Rates are decimal fractions on the wire ("0.0624").
type cdrRate struct {
	Rate           string `json:"rate"`
	ComparisonRate string `json:"comparisonRate,omitempty"`
}
