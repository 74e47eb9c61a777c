package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/weights"
	"stocktester/internal/testutils"
)

func TestClassify(t *testing.T) {
	days := testutils.TradingDays(testutils.Date("2020-01-01"), 10)
	closes := []float64{10, 11, 12, 13, 14, 10, 9, 8, 12, 15}
	s, err := Classify(testutils.SeriesFromCloses("^GSPC", days, closes), 3)
	require.NoError(t, err)
	require.Equal(t, 10, s.Len())

	want := []Label{Undefined, Undefined, Bull, Bull, Bull, Bear, Bear, Bear, Bull, Bull}
	for i, p := range s.Points() {
		if p.Label != want[i] {
			t.Errorf("day %d: got %s, want %s", i, p.Label, want[i])
		}
	}
	// SMA包含当日收盘价
	assert.InDelta(t, 11.0, s.Points()[2].SMA, 1e-12)
	assert.InDelta(t, (14.0+10+9)/3, s.Points()[6].SMA, 1e-12)

	// 收盘价等于均线时为熊市
	flat := testutils.SeriesFromCloses("^GSPC", days[:4], []float64{5, 5, 5, 5})
	fs, err := Classify(flat, 2)
	require.NoError(t, err)
	assert.Equal(t, Bear, fs.At(days[3]))

	_, err = Classify(flat, 0)
	assert.Error(t, err)
}

func TestSeriesAtNeverLooksAhead(t *testing.T) {
	days := testutils.TradingDays(testutils.Date("2021-01-04"), 6)
	s, err := Classify(testutils.SeriesFromCloses("^GSPC", days, []float64{1, 2, 3, 1, 1, 1}), 2)
	require.NoError(t, err)

	assert.Equal(t, Undefined, s.At(days[0].AddDate(0, 0, -3)))
	assert.Equal(t, Undefined, s.At(days[0]))
	assert.Equal(t, Bull, s.At(days[2]))

	// 周末使用之前最近一个交易日的标签 (2021-01-09 is Saturday, days[4] is Friday)
	assert.Equal(t, s.At(days[4]), s.At(days[4].AddDate(0, 0, 1)))
	// days[3] 为熊市，之前一天为牛市
	assert.Equal(t, Bear, s.At(days[3]))
	assert.Equal(t, Bull, s.At(days[3].Add(-1)))
}

func TestPeriodsAndStats(t *testing.T) {
	days := testutils.TradingDays(testutils.Date("2020-01-01"), 10)
	closes := []float64{10, 11, 12, 13, 14, 10, 9, 8, 12, 15}
	s, err := Classify(testutils.SeriesFromCloses("^GSPC", days, closes), 3)
	require.NoError(t, err)

	periods := s.Periods(days[0], days[9].AddDate(0, 0, 1))
	require.Len(t, periods, 3)
	assert.Equal(t, Period{Label: Bull, Start: days[2], End: days[4], Days: 3}, periods[0])
	assert.Equal(t, Bear, periods[1].Label)
	assert.Equal(t, 3, periods[1].Days)
	assert.Equal(t, days[9], periods[2].End)

	st := s.Stats(days[0], days[9].AddDate(0, 0, 1))
	assert.Equal(t, 10, st.TotalDays)
	assert.Equal(t, 5, st.BullDays)
	assert.Equal(t, 3, st.BearDays)
	assert.Equal(t, 2, st.UndefinedDays)
	assert.InDelta(t, 62.5, st.BullPct, 1e-9)
	assert.Equal(t, 2, st.RegimeChanges)
	assert.InDelta(t, 8.0/3, st.AvgDurationDays, 1e-9)
	assert.Equal(t, Bull, st.Current)

	empty := s.Stats(days[9].AddDate(0, 0, 5), days[9].AddDate(0, 0, 10))
	assert.Equal(t, 0, empty.TotalDays)
	assert.Equal(t, Undefined, empty.Current)
}

func TestTradesAndWeights(t *testing.T) {
	days := testutils.TradingDays(testutils.Date("2020-01-01"), 10)
	closes := []float64{10, 11, 12, 13, 14, 10, 9, 8, 12, 15}
	s, err := Classify(testutils.SeriesFromCloses("^GSPC", days, closes), 3)
	require.NoError(t, err)

	trades := []backtest.TradeRecord{
		{Ticker: "A", EntryDate: days[0], ExitDate: days[1], ReturnPct: 1},
		{Ticker: "B", EntryDate: days[3], ExitDate: days[5], ReturnPct: 2},
		{Ticker: "C", EntryDate: days[6], ExitDate: days[8], ReturnPct: -1},
		{Ticker: "D", EntryDate: days[9], ExitDate: days[9].AddDate(0, 0, 3), ReturnPct: 4},
	}
	assert.Len(t, FilterTrades(trades, s, Bull), 2)
	assert.Len(t, FilterTrades(trades, s, Bear), 1)

	groups := Breakdown(trades, s, backtest.DefaultMetricsConfig())
	require.Len(t, groups, 3)
	assert.Equal(t, "BULL", groups[0].Group)
	assert.Equal(t, 2, groups[0].Metrics.TotalTrades)
	assert.Equal(t, "UNDEFINED", groups[2].Group)

	filter := EntryFilter(s, Bear)
	assert.True(t, filter("X", days[6]))
	assert.False(t, filter("X", days[3]))

	bull := weights.Vector{0.4, 0.1, 0.2, 0.2, 0.1}
	bear := weights.Vector{0.1, 0.1, 0.4, 0.3, 0.1}
	rw := RegimeWeights{Series: s, Bull: bull, Bear: bear, Fallback: weights.Equal()}
	assert.Equal(t, bull, rw.WeightsFor(days[3]))
	assert.Equal(t, bear, rw.WeightsFor(days[6]))
	assert.Equal(t, weights.Equal(), rw.WeightsFor(days[0]))
}
