// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/hydraulis/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	bar *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	stopOnce         sync.Once

	extraMetricFns []ExtraMetricFn

	// Accumulated over the run, only accessed by the training goroutine.
	tokens, paddedTokens int
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks attached to the trainer.
const ProgressBarName = "hydraulis.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

func (pBar *progressBar) onStart(trainer *train.Trainer) error {
	pBar.bar = progressbar.NewOptions(trainer.NumSteps(),
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	return nil
}

func (pBar *progressBar) onStep(trainer *train.Trainer, step *train.StepInfo) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	pBar.tokens += step.Local.NumTokens()
	pBar.paddedTokens += step.Local.NumPaddedTokens()
	ratio := 0.0
	if pBar.paddedTokens > 0 {
		ratio = 1 - float64(pBar.tokens)/float64(pBar.paddedTokens)
	}
	update := progressBarUpdate{amount: 1}
	update.rows = append(update.rows,
		[2]string{"Epoch / Step", fmt.Sprintf("%d / %d", step.Epoch, step.Step)},
		[2]string{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(trainer.GlobalStep)), humanize.Comma(int64(trainer.NumSteps())))},
		[2]string{"Consumed samples", humanize.Comma(int64(step.ConsumedSamples))},
		[2]string{"Strategy", fmt.Sprintf("#%d %s", step.Plan.StrategyID, trainer.Strategies()[step.Plan.StrategyID].Strategy)},
		[2]string{"Estimated cost", fmt.Sprintf("%.1fms (assign %.1fms)", step.Plan.Cost, step.Plan.AssignCost)},
		[2]string{"Local micro-batches", humanize.Comma(int64(len(step.Local.MicroBatches)))},
		[2]string{"Local tokens", fmt.Sprintf("%s (%.1f%% padding)", humanize.Comma(int64(pBar.tokens)), 100*ratio)},
		[2]string{"Median step duration", FormatDuration(trainer.MedianStepDuration())},
	)
	if step.Result.HasLoss {
		update.rows = append(update.rows, [2]string{"Loss", fmt.Sprintf("%.3f", step.Result.Loss)})
	}
	pBar.updates <- update
	return nil
}

// stop the drawing goroutine and restore the cursor. It can be called more than once.
func (pBar *progressBar) stop() {
	pBar.stopOnce.Do(func() {
		if pBar.updates != nil {
			close(pBar.updates)
		}
		pBar.asyncUpdatesDone.Wait()
		if pBar.termenv != nil {
			pBar.termenv.ShowCursor()
		}
	})
}

func (pBar *progressBar) onEnd(_ *train.Trainer, consumedSamples int) error {
	pBar.stop()
	fmt.Printf("\nConsumed %s samples.\n", humanize.Comma(int64(consumedSamples)))
	return nil
}

func (pBar *progressBar) onError(trainer *train.Trainer, _ error) {
	pBar.stop()
	fmt.Printf("\nStopped at global step %s.\n", humanize.Comma(int64(trainer.GlobalStep)))
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Trainer, so that
// when Trainer.Run is called it will display a progress bar with progression and the step statistics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(trainer *train.Trainer, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(trainer, extraMetrics...)
}

func attachProgressBar(trainer *train.Trainer, extraMetrics ...ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		// Asynchronously draw updates, since steps can be faster than the terminal.
		var lastNumLines int
		for update := range pBar.updates {
			// Exhaust the updates in the buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}

			pBar.statsTable.Data(lgtable.NewStringData())
			for _, row := range update.rows {
				pBar.statsTable.Row(row[0], row[1])
			}
			for _, extraMetric := range pBar.extraMetricFns {
				name, value := extraMetric()
				pBar.statsTable.Row(name, value)
			}

			// For command-line, we clear the previous lines that will be overwritten.
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				pBar.termenv.CursorPrevLine(lastNumLines)
			}
			pBar.isFirstOutput = false
			lastNumLines = len(update.rows) + len(pBar.extraMetricFns) + 2 + 2

			fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
			_ = pBar.bar.Add(amount) // Prints progress bar line.
			fmt.Println()
			pBar.termenv.ShowCursor()
			time.Sleep(maxUpdateFrequency)
		}
		pBar.asyncUpdatesDone.Done()
	}()
	trainer.OnStart(ProgressBarName, 0, pBar.onStart)
	trainer.OnStep(ProgressBarName, 0, pBar.onStep)
	trainer.OnEnd(ProgressBarName, 0, pBar.onEnd)
	trainer.OnError(ProgressBarName, 0, pBar.onError)
	return pBar
}
