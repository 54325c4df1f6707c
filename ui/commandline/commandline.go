// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for the
// training, settings flags and tables to display packing plans.
package commandline

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/hydraulis/pkg/core/packing"
	"github.com/gomlx/hydraulis/pkg/core/strategy"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

// newTable creates a table with the style used by the package.
func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerStyle
			case col == len(headers)-1:
				return normalStyle
			}
			return rightAlignedStyle
		})
}

// PlanTable renders a table with one row per replica of the plan, with its parallel degrees, the
// sequences assigned and the micro-batches built. resolved must be the strategy of the plan.
func PlanTable(plan *packing.Plan, resolved *strategy.Resolved) string {
	table := newTable("DP", "Dims", "Max SeqLen", "Seqs", "Tokens", "Padded", "Assign Cost", "Cost", "Micro-batches")
	for _, rep := range plan.Replicas {
		mbs := make([]string, len(rep.MicroBatches))
		for ii, mb := range rep.MicroBatches {
			mbs[ii] = fmt.Sprintf("%v→%d", mb.Indices, mb.PaddedTokens)
		}
		table.Row(
			fmt.Sprint(rep.DPID),
			resolved.Replicas[rep.DPID].Dims.String(),
			humanize.Comma(int64(rep.Capacity)),
			fmt.Sprint(len(rep.Indices)),
			humanize.Comma(int64(rep.NumTokens())),
			humanize.Comma(int64(rep.NumPaddedTokens())),
			fmt.Sprintf("%.2f", rep.AssignCost),
			fmt.Sprintf("%.2f", rep.Cost),
			strings.Join(mbs, " "),
		)
	}
	return table.String()
}

// SprintPlan renders the summary of the plan followed by its PlanTable.
func SprintPlan(plan *packing.Plan, resolved *strategy.Resolved) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Strategy #%d %s, method %s: %d sequences, estimated cost %.2fms (assign %.2fms), padding %.1f%%\n",
		plan.StrategyID, resolved.Strategy, plan.Method, plan.NumSequences, plan.Cost, plan.AssignCost, 100*plan.PaddingRatio())
	sb.WriteString(PlanTable(plan, resolved))
	return sb.String()
}

// CandidatesTable renders the cost of planning the batch with each candidate strategy. Candidates
// that can't hold the batch show the error instead.
func CandidatesTable(planner *packing.Planner, lens []int) string {
	table := newTable("Strategy", "Replicas", "Assign Cost", "Cost")
	for _, id := range planner.Candidates() {
		resolved := planner.Strategy(id)
		plan, err := planner.PlanStrategy(id, lens)
		if err != nil {
			table.Row(fmt.Sprint(id), resolved.Strategy.String(), "-", err.Error())
			continue
		}
		table.Row(fmt.Sprint(id), resolved.Strategy.String(),
			fmt.Sprintf("%.2f", plan.AssignCost), fmt.Sprintf("%.2f", plan.Cost))
	}
	return table.String()
}
