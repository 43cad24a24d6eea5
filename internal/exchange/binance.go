package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	apperrors "github.com/klinesync/klinesync/internal/errors"
	"github.com/klinesync/klinesync/internal/models"
)

const (
	// maxPageLimit is the exchange's hard cap on klines per call.
	maxPageLimit = 1500

	defaultRequestsPerSecond = 4
	defaultTimeout           = 30 * time.Second
	healthCheckTimeout       = 5 * time.Second

	quoteAssetUSDT = "USDT"
)

// Config holds the settings for a BinanceSource. API credentials are optional;
// kline and exchange-info endpoints are public.
type Config struct {
	APIKey    string
	APISecret string

	// BaseURL overrides the production endpoint, e.g. for the testnet or a
	// local stub. Empty keeps the library default.
	BaseURL string

	// RequestsPerSecond sizes the shared rate gate. Every call made by this
	// source waits on the gate first, so the ceiling holds across the
	// downloader, the reconciler, and symbol syncs combined.
	RequestsPerSecond int

	Timeout time.Duration
	Logger  *slog.Logger
}

// BinanceSource implements KlineSource against the Binance USDT-margined
// futures REST API.
type BinanceSource struct {
	client  *futures.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBinanceSource creates a source with its own HTTP client and rate gate.
func NewBinanceSource(cfg Config) *BinanceSource {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &BinanceSource{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  cfg.Logger,
	}
}

// gate blocks until the shared rate limiter admits one more call.
func (b *BinanceSource) gate(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return apperrors.Classify("rate_gate", err)
	}
	return nil
}

// FetchKlines implements KlineFetcher. It pages through the window advancing
// past the last received close time until a short page signals the end.
func (b *BinanceSource) FetchKlines(ctx context.Context, series models.SeriesKey, startMs, endMs int64, limit int) ([]models.KlineRecord, error) {
	if err := series.Validate(); err != nil {
		return nil, apperrors.New(apperrors.TypeClientError, "fetch_klines", err)
	}
	if endMs < startMs {
		return nil, nil
	}

	pageCap := maxPageLimit
	if limit > 0 && limit < pageCap {
		pageCap = limit
	}

	var records []models.KlineRecord
	from := startMs
	for from <= endMs {
		if err := b.gate(ctx); err != nil {
			return records, err
		}

		page, err := b.client.NewKlinesService().
			Symbol(series.Symbol).
			Interval(string(series.Interval)).
			StartTime(from).
			EndTime(endMs).
			Limit(pageCap).
			Do(ctx)
		if err != nil {
			return records, apperrors.Classify("fetch_klines", err)
		}
		if len(page) == 0 {
			break
		}

		for _, raw := range page {
			rec, err := normalizeKline(raw)
			if err != nil {
				return records, err
			}
			records = append(records, rec)
		}

		next := page[len(page)-1].CloseTime + 1
		if next <= from {
			// The exchange failed to advance; bail rather than spin.
			break
		}
		from = next
		if len(page) < pageCap {
			break
		}
	}

	b.logger.Debug("klines fetched",
		"series", series.String(),
		"start_ms", startMs,
		"end_ms", endMs,
		"records", len(records))
	return records, nil
}

// normalizeKline converts one raw exchange kline into a KlineRecord. The
// exchange serializes prices and volumes as strings; a field that does not
// parse marks the row malformed, which is a permanent failure, not a retry
// candidate.
func normalizeKline(raw *futures.Kline) (models.KlineRecord, error) {
	var parseErr error
	parse := func(name, value string) decimal.Decimal {
		if parseErr != nil {
			return decimal.Decimal{}
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			parseErr = apperrors.New(apperrors.TypeClientError, "normalize",
				fmt.Errorf("malformed %s %q at open time %d: %w", name, value, raw.OpenTime, err))
		}
		return d
	}

	rec := models.KlineRecord{
		OpenTime:             raw.OpenTime,
		CloseTime:            raw.CloseTime,
		Open:                 parse("open", raw.Open),
		High:                 parse("high", raw.High),
		Low:                  parse("low", raw.Low),
		Close:                parse("close", raw.Close),
		Volume:               parse("volume", raw.Volume),
		QuoteVolume:          parse("quote_volume", raw.QuoteAssetVolume),
		TradeCount:           raw.TradeNum,
		ActiveBuyVolume:      parse("active_buy_volume", raw.TakerBuyBaseAssetVolume),
		ActiveBuyQuoteVolume: parse("active_buy_quote_volume", raw.TakerBuyQuoteAssetVolume),
	}
	if parseErr != nil {
		return models.KlineRecord{}, parseErr
	}
	return rec, nil
}

// SymbolStatuses implements SymbolLister.SymbolStatuses.
func (b *BinanceSource) SymbolStatuses(ctx context.Context) (map[string]models.SymbolStatus, error) {
	if err := b.gate(ctx); err != nil {
		return nil, err
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, apperrors.Classify("exchange_info", err)
	}

	statuses := make(map[string]models.SymbolStatus)
	for _, s := range info.Symbols {
		if s.QuoteAsset != quoteAssetUSDT {
			continue
		}
		statuses[s.Symbol] = models.SymbolStatus(s.Status)
	}

	b.logger.Debug("exchange info fetched", "usdt_symbols", len(statuses))
	return statuses, nil
}

// TradingSymbols implements SymbolLister.TradingSymbols.
func (b *BinanceSource) TradingSymbols(ctx context.Context) ([]string, error) {
	statuses, err := b.SymbolStatuses(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(statuses))
	for symbol, status := range statuses {
		if status == models.StatusTrading {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ServerTime implements HealthChecker.ServerTime.
func (b *BinanceSource) ServerTime(ctx context.Context) (time.Time, error) {
	if err := b.gate(ctx); err != nil {
		return time.Time{}, err
	}

	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, apperrors.Classify("server_time", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// HealthCheck implements HealthChecker.HealthCheck. The ping endpoint carries
// no request weight worth worrying about, but it still flows through the gate
// so the ceiling stays a single number.
func (b *BinanceSource) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := b.gate(ctx); err != nil {
		return err
	}
	if err := b.client.NewPingService().Do(ctx); err != nil {
		return apperrors.Classify("ping", err)
	}
	return nil
}

var _ KlineSource = (*BinanceSource)(nil)
