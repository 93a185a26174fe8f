package market

import "context"

// Source 是行情数据源的抽象，目前只有 Binance 合约一种实现。
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	GetFundingRate(ctx context.Context, symbol string) (float64, error)

	Close() error
}
