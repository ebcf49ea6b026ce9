package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Anomaly kinds injected into the synthetic population.
const (
	KindSplitting = "splitting"
	KindDuplicate = "duplicate"
	KindOutlier   = "outlier"
	KindGap       = "sequence_gap"
)

// Synthetic is a generated population with its injected labels.
type Synthetic struct {
	Request api.CreatePopulationRequest
	Labels  map[string]string // row id -> anomaly kind
}

// GenOptions sizes the synthetic population.
type GenOptions struct {
	Rows       int
	Vendors    int
	Splits     int // vendors with one split purchase each
	Duplicates int
	Outliers   int
	Gaps       int
	Seed       uint64
}

var benchMapping = domain.ColumnMapping{
	UniqueID:      "invoice",
	MonetaryValue: "amount",
	Vendor:        "vendor",
	Date:          "posted",
	User:          "clerk",
	SequentialID:  "doc_no",
}

// Generate builds a Benford-conforming background population and injects
// labelled anomalies into it.
func Generate(opts GenOptions) *Synthetic {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	s := &Synthetic{
		Request: api.CreatePopulationRequest{Name: "synthetic benchmark", Mapping: benchMapping},
		Labels:  make(map[string]string),
	}

	docNo := int64(100000)
	add := func(kind string, amount float64, vendor string, posted time.Time, invoice string) string {
		id := fmt.Sprintf("row-%06d", len(s.Request.Rows))
		docNo++
		if invoice == "" {
			invoice = "INV-" + strconv.FormatInt(docNo, 10)
		}
		s.Request.Rows = append(s.Request.Rows, api.RowInput{
			ID: id,
			Raw: map[string]any{
				"invoice": invoice,
				"amount":  strconv.FormatFloat(amount, 'f', 2, 64),
				"vendor":  vendor,
				"posted":  posted.Format("2006-01-02 15:04:05"),
				"clerk":   fmt.Sprintf("clerk-%02d", rng.IntN(12)),
				"doc_no":  docNo,
			},
		})
		if kind != "" {
			s.Labels[id] = kind
		}
		return id
	}

	// Log-uniform amounts over four decades follow Benford's law. The
	// splitting thresholds start at 1000, so background purchases stay below
	// 800 to keep the per-vendor windows clean.
	background := func() float64 {
		return math.Round(math.Pow(10, 1+rng.Float64()*1.9)*100) / 100
	}
	day := func() time.Time {
		return start.Add(time.Duration(rng.IntN(360*24)) * time.Hour)
	}
	vendor := func() string { return fmt.Sprintf("V%03d", rng.IntN(max(opts.Vendors, 1))) }

	for range opts.Rows {
		add("", background(), vendor(), day(), "")
	}

	for i := range opts.Splits {
		// Six invoices just under 1000 within three days, summing above 5000.
		v := fmt.Sprintf("SPLIT%02d", i)
		base := day()
		for j := range 6 {
			amount := 900 + math.Round(rng.Float64()*9000)/100
			add(KindSplitting, amount, v, base.Add(time.Duration(j*11)*time.Hour), "")
		}
	}

	for range opts.Outliers {
		add(KindOutlier, math.Round((250000+rng.Float64()*750000)*100)/100, vendor(), day(), "")
	}

	for range opts.Gaps {
		docNo += 25 + int64(rng.IntN(50))
		add(KindGap, background(), vendor(), day(), "")
	}

	n := len(s.Request.Rows)
	for range opts.Duplicates {
		src := s.Request.Rows[rng.IntN(n)]
		if _, labelled := s.Labels[src.ID]; labelled {
			continue
		}
		amount, _ := strconv.ParseFloat(src.Raw["amount"].(string), 64)
		posted, _ := time.Parse("2006-01-02 15:04:05", src.Raw["posted"].(string))
		s.Labels[src.ID] = KindDuplicate
		add(KindDuplicate, amount, src.Raw["vendor"].(string), posted, src.Raw["invoice"].(string))
	}

	return s
}
