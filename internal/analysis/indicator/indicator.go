package indicator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/markcheno/go-talib"

	"arena/internal/market"
)

// Settings 描述计算指标所需的最小配置。
type Settings struct {
	Symbol   string
	Interval string
	EMA      EMASettings
	RSI      RSISettings
}

// EMASettings 描述 EMA 指标参数。
type EMASettings struct {
	Fast int `json:"fast,omitempty"`
	Mid  int `json:"mid,omitempty"`
	Slow int `json:"slow,omitempty"`
}

// RSISettings 描述 RSI 指标参数。
type RSISettings struct {
	Period     int     `json:"period,omitempty"`
	Oversold   float64 `json:"oversold,omitempty"`
	Overbought float64 `json:"overbought,omitempty"`
}

// Value 保存单个指标的最新值与状态。
type Value struct {
	Latest float64 `json:"latest"`
	State  string  `json:"state,omitempty"`
	Note   string  `json:"note,omitempty"`
}

// Report 汇总单个 symbol+interval 的指标输出。
type Report struct {
	Symbol   string           `json:"symbol"`
	Interval string           `json:"interval"`
	Count    int              `json:"count"`
	Values   map[string]Value `json:"values"`
}

// ComputeAll 计算 EMA/RSI/MACD/ATR 并返回结构化报告。
func ComputeAll(candles market.Candles, cfg Settings) (Report, error) {
	rep := Report{
		Symbol:   cfg.Symbol,
		Interval: cfg.Interval,
		Count:    len(candles),
		Values:   make(map[string]Value),
	}
	if len(candles) == 0 {
		return rep, fmt.Errorf("no candles")
	}
	closes := candles.Closes()
	highs := candles.Highs()
	lows := candles.Lows()
	lastClose := closes[len(closes)-1]

	if cfg.EMA.Fast <= 0 {
		cfg.EMA.Fast = 21
	}
	if cfg.EMA.Mid <= 0 {
		cfg.EMA.Mid = 50
	}
	if cfg.EMA.Slow <= 0 {
		cfg.EMA.Slow = 200
	}
	for name, period := range map[string]int{
		"ema_fast": cfg.EMA.Fast,
		"ema_mid":  cfg.EMA.Mid,
		"ema_slow": cfg.EMA.Slow,
	} {
		series := trimLeadingZeros(sanitizeSeries(talib.Ema(closes, period)))
		rep.Values[name] = Value{
			Latest: lastValid(series),
			State:  relativeState(lastClose, lastValid(series)),
			Note:   fmt.Sprintf("EMA%d vs price", period),
		}
	}

	if cfg.RSI.Period <= 0 {
		cfg.RSI.Period = 14
	}
	if cfg.RSI.Overbought == 0 {
		cfg.RSI.Overbought = 70
	}
	if cfg.RSI.Oversold == 0 {
		cfg.RSI.Oversold = 30
	}
	rsiVal := lastValid(sanitizeSeries(talib.Rsi(closes, cfg.RSI.Period)))
	rsiState := "neutral"
	switch {
	case rsiVal >= cfg.RSI.Overbought:
		rsiState = "overbought"
	case rsiVal <= cfg.RSI.Oversold:
		rsiState = "oversold"
	}
	rep.Values["rsi"] = Value{
		Latest: rsiVal,
		State:  rsiState,
		Note:   fmt.Sprintf("period=%d thresholds=%.1f/%.1f", cfg.RSI.Period, cfg.RSI.Oversold, cfg.RSI.Overbought),
	}

	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	histVal := lastValid(sanitizeSeries(hist))
	macdState := "flat"
	switch {
	case histVal > 0:
		macdState = "bullish"
	case histVal < 0:
		macdState = "bearish"
	}
	rep.Values["macd"] = Value{
		Latest: lastValid(sanitizeSeries(macd)),
		State:  macdState,
		Note:   fmt.Sprintf("signal=%.4f hist=%.4f", lastValid(sanitizeSeries(signal)), histVal),
	}

	atrVal := lastValid(sanitizeSeries(talib.Atr(highs, lows, closes, 14)))
	rep.Values["atr"] = Value{
		Latest: atrVal,
		State:  "volatility",
		Note:   "period=14",
	}

	return rep, nil
}

// Summary 渲染一段可注入 prompt 的文本摘要，键按字母序输出保证稳定。
func (r Report) Summary() string {
	if len(r.Values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	fmt.Fprintf(&sb, "indicators %s %s (n=%d)\n", r.Symbol, r.Interval, r.Count)
	for _, k := range keys {
		v := r.Values[k]
		fmt.Fprintf(&sb, "- %s=%.6g state=%s %s\n", k, v.Latest, v.State, v.Note)
	}
	return sb.String()
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// trimLeadingZeros 丢弃 TALib 以零填充的 EMA 起始段。
func trimLeadingZeros(series []float64) []float64 {
	start := 0
	for start < len(series) && math.Abs(series[start]) <= 1e-9 {
		start++
	}
	return series[start:]
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}
