package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"stocktester/internal/orchestrator"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/optimizer"
	"stocktester/internal/strategy/validation"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeWalkForward prints a run as a text report or as JSON
func writeWalkForward(w io.Writer, format string, out *orchestrator.Outcome) error {
	switch strings.ToLower(format) {
	case "json":
		return writeJSON(w, struct {
			RunID      string                   `json:"run_id"`
			Duration   string                   `json:"duration"`
			Summary    *orchestrator.Summary    `json:"summary"`
			Validation *validation.Report       `json:"validation"`
			Periods    []optimizer.PeriodResult `json:"periods"`
		}{out.RunID, out.Duration.String(), out.Summary, out.Report, out.Result.Periods})
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "WALK-FORWARD RUN %s (%s)\n\n", out.RunID, out.Duration.Round(time.Millisecond))

	fmt.Fprintln(tw, "PERIOD\tTRAIN\tTEST\tWEIGHTS\tOBJECTIVE\tTEST TRADES\tTEST WIN%\tTEST MEAN%")
	for _, p := range out.Result.Periods {
		chosen := "no signal"
		objective := "n/a"
		if !p.NoSignal && p.Optimization != nil {
			chosen = p.Optimization.Weights.String()
			objective = p.Optimization.ObjectiveValue.String()
		}
		trades, win, mean := 0, "n/a", "n/a"
		if p.TestMetrics != nil {
			trades = p.TestMetrics.TotalTrades
			win = p.TestMetrics.WinRate.String()
			mean = p.TestMetrics.MeanReturn.String()
		}
		fmt.Fprintf(tw, "%d\t%s..%s\t%s..%s\t%s\t%s\t%d\t%s\t%s\n", p.Period.Index,
			p.Period.TrainFrom.Format(time.DateOnly), p.Period.TrainTo.Format(time.DateOnly),
			p.Period.TestFrom.Format(time.DateOnly), p.Period.TestTo.Format(time.DateOnly),
			chosen, objective, trades, win, mean)
	}
	if dt := out.Summary.DroppedTail; dt != nil {
		fmt.Fprintf(tw, "\ntrailing %d days from %s too short for a test window\n",
			dt.AvailableDays, dt.From.Format(time.DateOnly))
	}

	fmt.Fprintln(tw, "\nPOOLED OUT-OF-SAMPLE METRICS")
	writeMetrics(tw, out.Summary.Pooled)

	if len(out.Summary.RegimeBreakdown) > 0 {
		fmt.Fprintln(tw, "\nBY REGIME")
		writeGroups(tw, out.Summary.RegimeBreakdown)
	}
	if len(out.Summary.ScoreBreakdown) > 0 {
		fmt.Fprintln(tw, "\nBY SCORE RANGE")
		writeGroups(tw, out.Summary.ScoreBreakdown)
	}

	if r := out.Summary.Robustness; r != nil {
		fmt.Fprintln(tw, "\nROBUSTNESS")
		fmt.Fprintf(tw, "efficiency\t%s\n", r.Efficiency)
		fmt.Fprintf(tw, "consistency\t%s\n", r.Consistency)
		fmt.Fprintf(tw, "decay\t%s\n", r.Decay)
		fmt.Fprintf(tw, "score\t%s\n", r.Score)
	}

	writeReport(tw, out.Report)

	if len(out.Summary.MissingTickers) > 0 {
		fmt.Fprintln(tw, "\nMISSING TICKERS")
		tickers := make([]string, 0, len(out.Summary.MissingTickers))
		for t := range out.Summary.MissingTickers {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
		for _, t := range tickers {
			fmt.Fprintf(tw, "%s\t%s\n", t, out.Summary.MissingTickers[t])
		}
	}
	return tw.Flush()
}

func writeMetrics(w io.Writer, m *backtest.Metrics) {
	if m == nil {
		fmt.Fprintln(w, "no trades")
		return
	}
	fmt.Fprintf(w, "trades\t%d (%d winners, %d losers, %d truncated)\n", m.TotalTrades, m.Winners, m.Losers, m.TruncatedTrades)
	fmt.Fprintf(w, "win rate %%\t%s\n", m.WinRate)
	fmt.Fprintf(w, "mean return %%\t%s\n", m.MeanReturn)
	fmt.Fprintf(w, "median return %%\t%s\n", m.MedianReturn)
	fmt.Fprintf(w, "sharpe\t%s\n", m.Sharpe)
	fmt.Fprintf(w, "sortino\t%s\n", m.Sortino)
	fmt.Fprintf(w, "max drawdown %%\t%s\n", m.MaxDrawdown)
	fmt.Fprintf(w, "calmar\t%s\n", m.Calmar)
	fmt.Fprintf(w, "annualized return %%\t%s\n", m.AnnualizedReturn)
}

func writeGroups(w io.Writer, groups []backtest.GroupMetrics) {
	fmt.Fprintln(w, "GROUP\tTRADES\tWIN%\tMEAN%\tSHARPE")
	for _, g := range groups {
		if g.Metrics == nil {
			fmt.Fprintf(w, "%s\t0\tn/a\tn/a\tn/a\n", g.Group)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", g.Group, g.Metrics.TotalTrades,
			g.Metrics.WinRate, g.Metrics.MeanReturn, g.Metrics.Sharpe)
	}
}

func writeReport(w io.Writer, r *validation.Report) {
	if r == nil {
		return
	}
	fmt.Fprintln(w, "\nSTATISTICAL VALIDATION")
	for _, s := range []validation.SignificanceResult{r.WinRate, r.MeanReturn} {
		fmt.Fprintf(w, "%s\tobserved %.4f vs %.4f\tp=%s\t%s\n", s.Test, s.Observed, s.Baseline, s.PValue, s.Conclusion)
	}
	if b := r.Bootstrap; b != nil {
		fmt.Fprintf(w, "bootstrap %.0f%% CI\t[%s, %s]\tmean %s\t%s\n", b.Confidence*100, b.Lower, b.Upper, b.Mean, b.Status)
	}
	if mc := r.MonteCarlo; mc != nil {
		fmt.Fprintf(w, "monte carlo\tmedian %s\tp5 %s\tp95 %s\tpositive %s%%\n",
			mc.Median, mc.Percentile5, mc.Percentile95, mc.PctPositive)
	}
	if c := r.Regimes; c != nil {
		fmt.Fprintf(w, "%s vs %s\tn=%d/%d\tdiff %s\tp=%s\n", c.NameA, c.NameB, c.NA, c.NB, c.MeanDifference, c.PValue)
	}
	verdict := "NOT SIGNIFICANT"
	if r.Significant() {
		verdict = "SIGNIFICANT"
	}
	fmt.Fprintf(w, "verdict\t%s\n", verdict)
}

// writeOptimization prints a single in-sample search
func writeOptimization(w io.Writer, format string, res *optimizer.OptimizationResult, byRegime *optimizer.RegimeResult) error {
	switch strings.ToLower(format) {
	case "json":
		return writeJSON(w, struct {
			Result *optimizer.OptimizationResult `json:"result"`
			Regime *optimizer.RegimeResult       `json:"regime,omitempty"`
		}{res, byRegime})
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writeSearch(tw, "ALL DATES", res)
	if byRegime != nil {
		writeSearch(tw, "BULL MARKET", byRegime.Bull)
		writeSearch(tw, "BEAR MARKET", byRegime.Bear)
	}
	return tw.Flush()
}

func writeSearch(w io.Writer, title string, res *optimizer.OptimizationResult) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "%s (%d candidates, objective %s)\n", title, res.CandidatesEvaluated, res.Objective)
	if res.NoSignal {
		fmt.Fprintln(w, "no candidate produced a trade")
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "best\t%s\t%s\n", res.Weights, res.ObjectiveValue)
	fmt.Fprintln(w, "RANK\tWEIGHTS\tOBJECTIVE\tTRADES\tWIN%\tMEAN%")
	for i, c := range res.Top {
		trades, win, mean := 0, "n/a", "n/a"
		if c.Metrics != nil {
			trades = c.Metrics.TotalTrades
			win = c.Metrics.WinRate.String()
			mean = c.Metrics.MeanReturn.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", i+1, c.Weights, c.Objective, trades, win, mean)
	}
	fmt.Fprintln(w)
}
