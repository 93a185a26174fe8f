package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"arena/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Source 基于 go-binance SDK 实现 market.Source（USDT 本位合约）。
type Source struct {
	cfg    Config
	client *futures.Client
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client}, nil
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	// Binance 要求不带斜杠的交易对（ETH/USDT -> ETHUSDT）
	cleanSymbol := normalizeSymbol(symbol)
	if cleanSymbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	svc := s.client.NewKlinesService().Symbol(cleanSymbol).Interval(interval).Limit(limit)
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

// GetFundingRate 获取最新资金费率（例如 0.0001 即 0.01%）
func (s *Source) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("binance source not initialized")
	}
	cleanSymbol := normalizeSymbol(symbol)
	if cleanSymbol == "" {
		return 0, fmt.Errorf("invalid symbol: %s", symbol)
	}
	res, err := s.client.NewPremiumIndexService().Symbol(cleanSymbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range res {
		if entry == nil {
			continue
		}
		if strings.EqualFold(entry.Symbol, cleanSymbol) {
			return parseFloat(entry.LastFundingRate), nil
		}
	}
	if len(res) > 0 {
		return parseFloat(res[0].LastFundingRate), nil
	}
	return 0, fmt.Errorf("funding rate not available for %s", symbol)
}

func (s *Source) Close() error { return nil }

func normalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
