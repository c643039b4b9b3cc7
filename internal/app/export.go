package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"kis-daytrader/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders realised pnl history as CSV and/or a cumulative PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.PnLBetween(ctx, from, to, opts.MaxRows)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no pnl records found for export window")
		return nil
	}
	a.Logger.Info().Int("exported", len(records)).Msg("exporting pnl records")

	if opts.CSVPath != "" {
		if err := writePnLCSVFile(opts.CSVPath, records); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writePnLPNG(opts.PNGPath, records); err != nil {
			return err
		}
	}
	return nil
}

func writePnLCSVFile(path string, records []storage.PnLRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return writePnLCSV(file, records)
}

func writePnLCSV(w io.Writer, records []storage.PnLRecord) error {
	writer := csv.NewWriter(w)
	header := []string{"created_at", "market", "code", "name", "qty", "buy_price", "sell_price", "pnl", "pnl_rate", "currency", "cumulative_pnl"}
	if err := writer.Write(header); err != nil {
		return err
	}

	cumulative := decimal.Zero
	for _, r := range records {
		cumulative = cumulative.Add(r.PnL)
		record := []string{
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.Market,
			r.InstrumentID,
			r.Name,
			strconv.FormatInt(r.Qty, 10),
			r.BuyPrice.String(),
			r.SellPrice.String(),
			r.PnL.String(),
			r.PnLRate.String(),
			r.Currency,
			cumulative.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writePnLPNG(path string, records []storage.PnLRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	// go-chart needs at least two points per series.
	if len(records) < 2 {
		return fmt.Errorf("need at least 2 pnl records to chart, have %d", len(records))
	}

	x := make([]time.Time, len(records))
	cumulative := make([]float64, len(records))
	perTrade := make([]float64, len(records))
	running := decimal.Zero
	for i, r := range records {
		running = running.Add(r.PnL)
		x[i] = r.CreatedAt
		cumulative[i] = running.InexactFloat64()
		perTrade[i] = r.PnL.InexactFloat64()
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative PnL",
			ValueFormatter: amountFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Round-trip PnL",
			ValueFormatter: amountFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
			},
			chart.TimeSeries{
				Name:    "Per trade",
				XValues: x,
				YValues: perTrade,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
