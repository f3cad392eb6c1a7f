package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"updown/internal/feed"
	"updown/internal/round"
	"updown/internal/session"
)

// Export simulates a run and renders its outcomes as CSV and its price
// path with the running balance as PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	res, err := a.Simulate(ctx, opts.Simulate)
	if err != nil {
		return err
	}
	if len(res.Prices) == 0 {
		a.Logger.Info().Msg("simulation produced no prices")
		return nil
	}

	prices := downsample(res.Prices, opts.MaxPoints)
	a.Logger.Info().Int("ticks", len(res.Prices)).
		Int("exported", len(prices)).
		Int("outcomes", len(res.Outcomes)).
		Msg("exporting simulation")

	if opts.CSVPath != "" {
		if err := writeOutcomesCSV(a.resolvePath(opts.CSVPath), res.Outcomes); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRunPNG(a.resolvePath(opts.PNGPath), prices, res.StartBalance, res.Summaries); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) resolvePath(path string) string {
	if filepath.IsAbs(path) || a.Config.Export.OutputDir == "" {
		return path
	}
	return filepath.Join(a.Config.Export.OutputDir, path)
}

func downsample[T any](items []T, max int) []T {
	if max <= 1 || len(items) <= max {
		return items
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writeOutcomesCSV(path string, outcomes []round.Outcome) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"round_seq", "settled_at", "subject_id", "direction", "amount", "reference_price", "settlement_price", "actual", "result", "change_pct", "payout"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, o := range outcomes {
		record := []string{
			strconv.Itoa(o.RoundSeq),
			time.UnixMilli(o.SettledAt).UTC().Format(time.RFC3339),
			o.Prediction.SubjectID,
			o.Prediction.Direction.String(),
			o.Prediction.Amount.String(),
			strconv.FormatFloat(o.ReferencePrice, 'f', 4, 64),
			strconv.FormatFloat(o.SettlementPrice, 'f', 4, 64),
			o.Actual.String(),
			o.Result.String(),
			o.ChangePct.StringFixed(4),
			o.Payout.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRunPNG(path string, prices []feed.PricePoint, start decimal.Decimal, rounds []session.RoundEndData) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(prices))
	y := make([]float64, len(prices))
	for i, p := range prices {
		x[i] = time.UnixMilli(p.Timestamp).UTC()
		y[i] = p.Price
	}

	series := []chart.Series{
		chart.TimeSeries{Name: "Price", XValues: x, YValues: y},
	}

	// Balance steps at each settlement. A flat line has no range to plot.
	if balanceMoves(rounds) {
		bx := []time.Time{x[0]}
		by := []float64{start.InexactFloat64()}
		balance := start
		for _, r := range rounds {
			balance = balance.Add(r.NetPayout)
			bx = append(bx, time.UnixMilli(r.ClosesAt).UTC())
			by = append(by, balance.InexactFloat64())
		}
		series = append(series, chart.TimeSeries{
			Name:    "Balance",
			XValues: bx,
			YValues: by,
			YAxis:   chart.YAxisSecondary,
		})
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Balance",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func balanceMoves(rounds []session.RoundEndData) bool {
	for _, r := range rounds {
		if !r.NetPayout.IsZero() {
			return true
		}
	}
	return false
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
