// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hydraulis_analyze displays the distribution of the sequence lengths of a dataset, and of the longest
// sequence of each global batch, and optionally plots their CDFs and the lengths of the first batches.
//
// Example:
//
//	hydraulis_analyze -plot=./cdf.png -set='json_file=./data/web.jsonl;max_seq_len=32768;global_batch_size=64'
package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/hydraulis/pkg/ml/data"
	"github.com/gomlx/hydraulis/pkg/ml/train"
	"github.com/gomlx/hydraulis/pkg/support/fsutil"
	"github.com/gomlx/hydraulis/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

var (
	flagPlot      = flag.String("plot", "", "If set, path of the PNG file where to plot the CDFs of the lengths.")
	flagBatchSize = flag.Int("batch_size", 0, "Sequences per batch for the max length per batch. Defaults to global_batch_size.")
	flagQuantiles = flag.Int("quantiles", 10, "Number of quantiles to display.")
	flagBatches   = flag.Int("plot_batches", 100, "Number of batches in the plot of the lengths per batch, saved next to -plot with a \"_batches\" suffix.")

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	cellStyle  = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

func main() {
	cfg := train.DefaultConfig()
	settings := commandline.CreateSettingsFlag(&cfg, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(cfg.ApplySettings(*settings))
	if err := run(&cfg); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(cfg *train.Config) error {
	src, err := cfg.LoadDataset()
	if err != nil {
		return err
	}
	if src == nil {
		return errors.New("hydraulis_analyze requires a dataset (json_file), fake_seqlens can't be analyzed")
	}
	if ds, ok := src.(*data.JSONDataset); ok && ds.NumTruncated() > 0 {
		fmt.Printf("%s sequences truncated to %s tokens.\n",
			humanize.Comma(int64(ds.NumTruncated())), humanize.Comma(int64(ds.MaxSeqLen())))
	}

	counter := data.CountSeqLens(src)
	lens := make([]int, 0, counter.Total())
	for idx := range src.Len() {
		lens = append(lens, data.NonPadLen(src.Sequence(idx), src.PadID()))
	}
	batchSize := *flagBatchSize
	if batchSize <= 0 {
		batchSize = cfg.GlobalBatchSize
	}
	var batchMaxLens []int
	if batchSize > 0 {
		batchMaxLens, err = data.MaxSeqLenPerBatch(src, batchSize)
		if err != nil {
			return err
		}
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%s sequences, longest %s tokens",
		humanize.Comma(int64(counter.Total())), humanize.Comma(int64(counter.Max())))))
	columns := []series.Series{series.Ints(lens)}
	headers := []string{"Quantile", "SeqLen"}
	if len(batchMaxLens) > 0 {
		columns = append(columns, series.Ints(batchMaxLens))
		headers = append(headers, fmt.Sprintf("Max SeqLen per %d", batchSize))
	}
	fmt.Println(quantilesTable(headers, columns, *flagQuantiles))

	if *flagPlot != "" {
		if err := plotCDFs(*flagPlot, counter, batchMaxLens); err != nil {
			return err
		}
		fmt.Printf("CDFs plotted to %q\n", *flagPlot)
		if batchSize > 0 {
			batches, err := data.SeqLensPerBatch(src, batchSize, *flagBatches)
			if err != nil {
				return err
			}
			path := batchesPlotPath(*flagPlot)
			if err := plotBatches(path, batches); err != nil {
				return err
			}
			fmt.Printf("Lengths of %d batches plotted to %q\n", len(batches), path)
		}
	}
	return nil
}

// quantilesTable renders numQuantiles evenly spaced quantiles, plus the mean, of each column.
func quantilesTable(headers []string, columns []series.Series, numQuantiles int) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return cellStyle.Bold(true)
			}
			return cellStyle
		})
	numQuantiles = max(numQuantiles, 2)
	for ii := range numQuantiles {
		fraction := float64(ii) / float64(numQuantiles-1)
		row := []string{fmt.Sprintf("%.0f%%", 100*fraction)}
		for _, col := range columns {
			var value float64
			switch ii {
			case 0:
				value = col.Min()
			case numQuantiles - 1:
				value = col.Max()
			default:
				value = col.Quantile(fraction)
			}
			row = append(row, humanize.Comma(int64(value)))
		}
		table.Row(row...)
	}
	row := []string{"Mean"}
	for _, col := range columns {
		row = append(row, humanize.CommafWithDigits(col.Mean(), 1))
	}
	table.Row(row...)
	return table.String()
}

func plotCDFs(path string, counter data.SeqLenCounter, batchMaxLens []int) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	p := plot.New()
	p.Title.Text = "Sequence lengths CDF"
	p.X.Label.Text = "Length (tokens)"
	p.Y.Label.Text = "CDF"
	p.Add(plotter.NewGrid())

	lens, cdf := counter.CDF()
	if err := addCDF(p, 0, "Sequences", lens, cdf); err != nil {
		return err
	}
	if len(batchMaxLens) > 0 {
		batchCounter := make(data.SeqLenCounter)
		for _, l := range batchMaxLens {
			batchCounter[l]++
		}
		lens, cdf = batchCounter.CDF()
		if err := addCDF(p, 1, "Max per batch", lens, cdf); err != nil {
			return err
		}
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}

func addCDF(p *plot.Plot, idx int, name string, lens []int, cdf []float64) error {
	points := make(plotter.XYs, len(lens))
	for ii, l := range lens {
		points[ii].X = float64(l)
		points[ii].Y = cdf[ii]
	}
	line, err := plotter.NewLine(points)
	if err != nil {
		return errors.Wrapf(err, "failed to create line %q", name)
	}
	line.Color = plotutil.Color(idx)
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}

// batchesPlotPath inserts "_batches" before the extension of path.
func batchesPlotPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_batches" + ext
}

// plotBatches plots the max length of each batch as a line, over the lengths of all its sequences.
func plotBatches(path string, batches [][]int) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	p := plot.New()
	p.Title.Text = "Sequence lengths of each batch"
	p.X.Label.Text = "Batch index"
	p.Y.Label.Text = "Length (tokens)"
	p.Add(plotter.NewGrid())

	maxPoints := make(plotter.XYs, len(batches))
	var seqPoints plotter.XYs
	for ii, lens := range batches {
		maxPoints[ii].X = float64(ii)
		for _, l := range lens {
			maxPoints[ii].Y = max(maxPoints[ii].Y, float64(l))
			seqPoints = append(seqPoints, plotter.XY{X: float64(ii), Y: float64(l)})
		}
	}
	line, points, err := plotter.NewLinePoints(maxPoints)
	if err != nil {
		return errors.Wrap(err, "failed to create the max length line")
	}
	line.Color = plotutil.Color(0)
	points.Color = plotutil.Color(0)
	points.Radius = vg.Points(2)
	scatter, err := plotter.NewScatter(seqPoints)
	if err != nil {
		return errors.Wrap(err, "failed to create the lengths scatter")
	}
	scatter.Color = plotutil.Color(1)
	scatter.Radius = vg.Points(1.5)
	p.Add(scatter, line, points)
	p.Legend.Add("Max sequence length", line, points)
	p.Legend.Add("Sequence length", scatter)
	if err := p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}
