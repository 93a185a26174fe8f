package market

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

func (c Candle) TimeString() string {
	ts := c.CloseTime
	if ts == 0 {
		ts = c.OpenTime
	}
	if ts <= 0 {
		return "-"
	}
	return time.UnixMilli(ts).UTC().Format("01-02 15:04") + "Z"
}

type Candles []Candle

// Closes 提取收盘价序列，供指标计算使用。
func (cs Candles) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

func (cs Candles) Highs() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.High
	}
	return out
}

func (cs Candles) Lows() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Low
	}
	return out
}

func (cs Candles) Volumes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Volume
	}
	return out
}

// Snapshot 生成一段可直接注入 prompt 的行情摘要。
func (cs Candles) Snapshot(symbol, interval string) string {
	if len(cs) == 0 {
		return ""
	}
	first := cs[0]
	last := cs[len(cs)-1]
	base := first.Close
	if base == 0 {
		base = first.Open
	}
	changePct := 0.0
	if base != 0 {
		changePct = (last.Close - base) / base * 100
	}
	low := math.MaxFloat64
	high := -math.MaxFloat64
	for _, bar := range cs {
		if bar.Low < low {
			low = bar.Low
		}
		if bar.High > high {
			high = bar.High
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s x%d bars (%s ~ %s)\n", symbol, interval, len(cs), first.TimeString(), last.TimeString())
	fmt.Fprintf(&sb, "close=%.6g change=%.2f%% range=[%.6g, %.6g] last_volume=%.4g\n",
		last.Close, changePct, low, high, last.Volume)
	return sb.String()
}
