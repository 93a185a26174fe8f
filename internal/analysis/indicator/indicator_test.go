package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/market"
)

func syntheticCandles(n int) market.Candles {
	out := make(market.Candles, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price += math.Sin(float64(i)/7) * 2
		out[i] = market.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1)*60_000 - 1,
			Open:      price - 0.5,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1000 + float64(i),
		}
	}
	return out
}

func TestComputeAll(t *testing.T) {
	rep, err := ComputeAll(syntheticCandles(250), Settings{Symbol: "BTCUSDT", Interval: "1h"})
	require.NoError(t, err)
	for _, key := range []string{"ema_fast", "ema_mid", "ema_slow", "rsi", "macd", "atr"} {
		_, ok := rep.Values[key]
		assert.True(t, ok, "missing %s", key)
	}
	rsi := rep.Values["rsi"]
	assert.GreaterOrEqual(t, rsi.Latest, 0.0)
	assert.LessOrEqual(t, rsi.Latest, 100.0)
	assert.Greater(t, rep.Values["atr"].Latest, 0.0)
}

func TestComputeAllEmpty(t *testing.T) {
	_, err := ComputeAll(nil, Settings{})
	assert.Error(t, err)
}

func TestSummaryStable(t *testing.T) {
	rep, err := ComputeAll(syntheticCandles(250), Settings{Symbol: "ETHUSDT", Interval: "4h"})
	require.NoError(t, err)
	assert.Equal(t, rep.Summary(), rep.Summary())
	assert.Contains(t, rep.Summary(), "ETHUSDT")
}
