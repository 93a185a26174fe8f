package gate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"arena/internal/logger"
	"arena/internal/market"

	"github.com/antihax/optional"
	gateapi "github.com/gateio/gateapi-go/v7"
)

const (
	gateSettle          = "usdt"
	gateMaxHistoryLimit = 2000
)

// Source 通过 Gate 合约 REST 接口提供行情。实现 market.Source。
type Source struct {
	cfg  Config
	rest *gateapi.APIClient
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	rest, err := newRESTClient(final)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: final, rest: rest}, nil
}

func newRESTClient(cfg Config) (*gateapi.APIClient, error) {
	conf := gateapi.NewConfiguration()
	conf.BasePath = cfg.RESTBaseURL

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyEnabled && cfg.RESTProxyURL != "" {
		proxyURL, err := url.Parse(cfg.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid gate REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	conf.HTTPClient = httpClient
	return gateapi.NewAPIClient(conf), nil
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if s == nil || s.rest == nil {
		return nil, fmt.Errorf("gate source not initialized")
	}
	contract := toContract(symbol)
	if contract == "" {
		return nil, fmt.Errorf("invalid symbol: %s", symbol)
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > gateMaxHistoryLimit {
		limit = gateMaxHistoryLimit
	}

	opts := &gateapi.ListFuturesCandlesticksOpts{
		Limit:    optional.NewInt32(int32(limit)),
		Interval: optional.NewString(interval),
	}
	kls, _, err := s.rest.FuturesApi.ListFuturesCandlesticks(ctx, gateSettle, contract, opts)
	if err != nil {
		logger.Errorf("[gate] fetch kline failed %s %s limit=%d: %v", symbol, interval, limit, err)
		return nil, err
	}

	dur := intervalDuration(interval)
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		openTime := int64(kl.T) * 1000
		closeTime := openTime
		if dur > 0 {
			closeTime = openTime + dur.Milliseconds()
		}
		out = append(out, market.Candle{
			OpenTime:  openTime,
			CloseTime: closeTime,
			Open:      parseFloat(kl.O),
			High:      parseFloat(kl.H),
			Low:       parseFloat(kl.L),
			Close:     parseFloat(kl.C),
			Volume:    parseFloat(kl.Sum),
		})
	}
	return out, nil
}

func (s *Source) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	if s == nil || s.rest == nil {
		return 0, fmt.Errorf("gate source not initialized")
	}
	contract := toContract(symbol)
	if contract == "" {
		return 0, fmt.Errorf("invalid symbol: %s", symbol)
	}
	res, _, err := s.rest.FuturesApi.GetFuturesContract(ctx, gateSettle, contract)
	if err != nil {
		return 0, err
	}
	return parseFloat(res.FundingRate), nil
}

func (s *Source) Close() error { return nil }

// toContract 把内部符号转成 Gate 合约名：BTCUSDT -> BTC_USDT。
func toContract(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "", "-", "").Replace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "_") {
		return s
	}
	if base, ok := strings.CutSuffix(s, "USDT"); ok && base != "" {
		return base + "_USDT"
	}
	return s
}

// intervalDuration 解析 Gate 的周期写法（10s/1m/1h/1d/1w）。
func intervalDuration(interval string) time.Duration {
	if interval == "" {
		return 0
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	}
	return 0
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
