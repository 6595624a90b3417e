package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ratewatch/internal/models"
)

// HTMLContext scopes an HTML extraction to a lender, dataset, and day.
type HTMLContext struct {
	LenderCode     string
	Dataset        string
	CollectionDate time.Time
	SourceURL      string
}

// HTMLResult reports what the extractor saw and kept.
type HTMLResult struct {
	Rows      []models.RateRow
	Inspected int
	Dropped   int
}

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// ExtractFromHTML scrapes rate rows out of a lender page. It walks
// every table row, keeps rows whose cells contain a product name and a
// percentage, and drops the rest. This is the fallback path for
// lenders whose structured endpoints yield nothing.
func ExtractFromHTML(html string, hctx HTMLContext) (HTMLResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return HTMLResult{}, err
	}

	result := HTMLResult{}
	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		result.Inspected++

		name := strings.TrimSpace(cells.First().Text())

		var rate, comparison float64
		found := 0
		cells.Each(func(i int, cell *goquery.Selection) {
			if i == 0 {
				return
			}
			m := percentPattern.FindStringSubmatch(cell.Text())
			if m == nil {
				return
			}
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return
			}
			switch found {
			case 0:
				rate = v
			case 1:
				comparison = v
			}
			found++
		})

		if name == "" || found == 0 {
			result.Dropped++
			return
		}

		result.Rows = append(result.Rows, models.RateRow{
			Dataset:        hctx.Dataset,
			LenderCode:     hctx.LenderCode,
			ProductID:      slugify(name),
			ProductName:    name,
			RatePct:        rate,
			ComparisonPct:  comparison,
			CollectionDate: models.Day(hctx.CollectionDate),
			SourceURL:      hctx.SourceURL,
		})
	})
	return result, nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}
