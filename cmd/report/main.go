// Command report renders an HTML summary of the inspection log: verdict
// counts, the NG rate, and processing-time trends over recent inspections.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/linesight/inspectd/internal/store"
)

var (
	dbFile = flag.String("db", "inspections.db", "Inspection log database file")
	out    = flag.String("out", "report.html", "Output HTML file")
	limit  = flag.Int("limit", 500, "How many recent inspections to chart")
)

func main() {
	flag.Parse()

	db, err := store.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open inspection database: %v", err)
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		log.Fatalf("failed to compute stats: %v", err)
	}
	recent, err := db.Recent(*limit)
	if err != nil {
		log.Fatalf("failed to read inspections: %v", err)
	}
	if len(recent) == 0 {
		log.Fatal("no inspections recorded yet")
	}

	// Recent returns newest first; charts read left to right.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	page := components.NewPage()
	page.PageTitle = "Inspection Report"
	page.AddCharts(
		verdictPie(stats),
		durationLine(recent),
		confidenceBar(recent),
	)

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *out, err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}

	log.Printf("wrote %s: %d inspections, %d NG (%.1f%% NG rate), mean %.1fms",
		*out, stats.Total, stats.NGCount, stats.NGRate*100, stats.MeanDurationMS)
}

func verdictPie(stats store.Stats) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Verdicts",
			Subtitle: fmt.Sprintf("%d inspections, NG rate %.1f%%", stats.Total, stats.NGRate*100),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	pie.AddSeries("verdict", []opts.PieData{
		{Name: "OK", Value: stats.Total - stats.NGCount, ItemStyle: &opts.ItemStyle{Color: "#28b450"}},
		{Name: "NG", Value: stats.NGCount, ItemStyle: &opts.ItemStyle{Color: "#dc2828"}},
	})
	return pie
}

func durationLine(recent []store.Inspection) *charts.Line {
	labels := make([]string, len(recent))
	data := make([]opts.LineData, len(recent))
	for i, ins := range recent {
		labels[i] = ins.Timestamp.Format("01-02 15:04:05")
		data[i] = opts.LineData{Value: ins.DurationMS}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Processing time (ms)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("duration", data, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	return line
}

func confidenceBar(recent []store.Inspection) *charts.Bar {
	labels := make([]string, len(recent))
	data := make([]opts.BarData, len(recent))
	for i, ins := range recent {
		labels[i] = ins.Timestamp.Format("01-02 15:04:05")
		color := "#28b450"
		if ins.HasNG {
			color = "#dc2828"
		}
		data[i] = opts.BarData{Value: ins.MaxConfidence, ItemStyle: &opts.ItemStyle{Color: color}}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Max detection confidence"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "confidence", Max: 1}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("confidence", data)
	return bar
}
