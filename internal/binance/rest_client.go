package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"paper-trading-bot-go/internal/clock"
	"paper-trading-bot-go/internal/config"
	"paper-trading-bot-go/internal/market"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"
	recvWindow     = "5000" // How long a request is valid in milliseconds
	maxRetries     = 3
	maxKlineLimit  = 1000
)

// RestClientInterface defines the interface for the Binance REST API client.
type RestClientInterface interface {
	market.Provider
	GetServerTime(ctx context.Context) (int64, error)
	GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error)
	CreateOrder(ctx context.Context, symbol, side string, quantity float64) (*CreateOrderResponse, error)
}

// RestClient is a client for the Binance REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	clock     clock.Clock
	// backoff is the first retry delay; it doubles on every attempt.
	backoff time.Duration
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	logger = logger.Named("binance")
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().SetBaseURL(url)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
		clock:     clock.System{},
		backoff:   time.Second,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	req.SetContext(ctx)

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		// Network errors are always retried; HTTP errors only when throttled or 5xx.
		var retryAfter time.Duration
		if err == nil {
			statusCode := resp.StatusCode()
			throttled := statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot
			if !throttled && statusCode < 500 {
				return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
			}
			if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); throttled && convErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
			err = fmt.Errorf("status %s: %s", resp.Status(), resp.String())
		}

		if i == maxRetries-1 {
			break
		}
		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// GetTicker fetches the latest price of symbol.
func (c *RestClient) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&TickerPrice{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/price", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker %s: %w", symbol, err)
	}

	result := resp.Result().(*TickerPrice)
	price, err := market.ParsePrice(result.Price)
	if err != nil {
		return nil, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	return &market.Ticker{Symbol: symbol, Price: price, Timestamp: c.clock.Now()}, nil
}

// GetCandles fetches up to limit klines, oldest first. An endTime of 0 means now.
func (c *RestClient) GetCandles(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]market.Candle, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if endTime > 0 {
		params["endTime"] = strconv.FormatInt(endTime, 10)
	}

	var rows [][]any
	req := c.client.R().
		SetQueryParams(params).
		SetResult(&rows)

	if _, err := c.doRequest(ctx, http.MethodGet, "/klines", req); err != nil {
		return nil, fmt.Errorf("failed to get klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]market.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKline(symbol, interval, row)
		if err != nil {
			return nil, fmt.Errorf("kline %d of %s: %w", i, symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKline decodes one kline row:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKline(symbol, interval string, row []any) (market.Candle, error) {
	if len(row) < 7 {
		return market.Candle{}, fmt.Errorf("short row of %d fields", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return market.Candle{}, fmt.Errorf("open time %v is not a number", row[0])
	}
	closeTime, _ := row[6].(float64)

	var ohlc [4]float64
	for i := range ohlc {
		raw, ok := row[i+1].(string)
		if !ok {
			return market.Candle{}, fmt.Errorf("field %d is not a string", i+1)
		}
		price, err := market.ParsePrice(raw)
		if err != nil {
			return market.Candle{}, err
		}
		ohlc[i] = price
	}
	rawVolume, _ := row[5].(string)
	volume, err := strconv.ParseFloat(rawVolume, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("volume %q: %w", rawVolume, err)
	}

	return market.Candle{
		Symbol:    symbol,
		Interval:  interval,
		Open:      ohlc[0],
		High:      ohlc[1],
		Low:       ohlc[2],
		Close:     ohlc[3],
		Volume:    volume,
		StartTime: int64(openTime),
		CloseTime: int64(closeTime),
	}, nil
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol  string   `json:"symbol"`
	Status  string   `json:"status"`
	Filters []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
// We are interested in the LOT_SIZE filter to get the stepSize.
type Filter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
}

// StepSize returns the LOT_SIZE step of symbol, or "" if it is not listed.
func (r *ExchangeInfoResponse) StepSize(symbol string) string {
	for _, s := range r.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				return f.StepSize
			}
		}
	}
	return ""
}

// GetExchangeInfo fetches exchange trading rules and symbol information.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	var exchangeInfo ExchangeInfoResponse

	req := c.client.R().
		SetResult(&exchangeInfo).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, http.MethodGet, "/exchangeInfo", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	return resp.Result().(*ExchangeInfoResponse), nil
}

// CreateOrderResponse represents the response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
}

// CreateOrder places a MARKET order on Binance.
func (c *RestClient) CreateOrder(ctx context.Context, symbol, side string, quantity float64) (*CreateOrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("timestamp", strconv.FormatInt(c.clock.Now(), 10))
	params.Set("recvWindow", recvWindow)

	queryString := params.Encode()
	params.Set("signature", c.sign(queryString))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		SetResult(&CreateOrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/order", req)
	if err != nil {
		c.logger.Error("Failed to create order after multiple attempts",
			zap.Error(err),
			zap.String("symbol", symbol),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*CreateOrderResponse)
	c.logger.Info("Successfully created order", zap.Any("order", result))
	return result, nil
}
