package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// chartBuckets is the time resolution of the timeline per summary range.
var chartBuckets = map[string]time.Duration{
	"hour": 5 * time.Minute,
	"day":  time.Hour,
	"week": 6 * time.Hour,
	"all":  24 * time.Hour,
}

// violationsChart renders a bar chart of violations per rule and a timeline
// of violations per bucket for ?range= (default day).
func (s *Server) violationsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	rangeName := r.URL.Query().Get("range")
	if rangeName == "" {
		rangeName = "day"
	}
	sum, err := s.summarise(r, rangeName)
	if errors.Is(err, errBadRange) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to summarise violations: %v", err))
		return
	}

	f := db.EventFilter{Limit: 10000}
	if sum.Since != nil {
		f.Since = *sum.Since
	}
	recs, err := s.db.ListViolationEvents(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve violations: %v", err))
		return
	}

	rules := make([]string, 0, len(sum.Counts))
	for rule := range sum.Counts {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	barData := make([]opts.BarData, len(rules))
	for i, rule := range rules {
		barData[i] = opts.BarData{Value: sum.Counts[rule]}
	}

	subtitle := fmt.Sprintf("range=%s total=%d", rangeName, sum.Total)
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Violations by rule", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(rules).
		AddSeries("violations", barData,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	bucket := chartBuckets[rangeName]
	counts := make(map[int64]int)
	for _, rec := range recs {
		counts[rec.Start.Truncate(bucket).Unix()]++
	}
	keys := make([]int64, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	xs := make([]string, len(keys))
	lineData := make([]opts.LineData, len(keys))
	for i, k := range keys {
		xs[i] = time.Unix(k, 0).UTC().Format("2006-01-02 15:04")
		lineData[i] = opts.LineData{Value: counts[k]}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Violations over time", Subtitle: fmt.Sprintf("bucket=%s", bucket)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	line.SetXAxis(xs).AddSeries("violations", lineData)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar, line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
