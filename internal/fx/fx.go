package fx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"minisafe/internal/logging"
)

var (
	ErrInvalidInput          = errors.New("invalid conversion input")
	ErrConversionUnavailable = errors.New("conversion unavailable")
)

const (
	// USD is the pivot currency for every conversion.
	USD = "USD"
	// RateTTL is how long a fetched rate may be reused.
	RateTTL = time.Hour

	// fetchTimeout bounds a shared rate fetch, which outlives any single caller.
	fetchTimeout = 30 * time.Second
)

// operators maps a local currency to the aggregator operator whose FX quote
// prices it. Country codes are accepted alongside currency codes.
var operators = map[string]int{
	"NGN": 341, "NG": 341,
	"GHS": 643, "GH": 643,
	"KES": 265, "KE": 265,
	"UGX": 1152, "UG": 1152,
}

// TokenProvider supplies the aggregator bearer token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// RateEntry is a cached exchange rate for one currency pair.
type RateEntry struct {
	Pair      string
	Rate      decimal.Decimal
	FetchedAt time.Time
}

// Client converts amounts between currencies through USD.
type Client struct {
	tokens   TokenProvider
	endpoint string
	http     *http.Client
	now      func() time.Time
	logger   *slog.Logger

	// OnLookup is told "hit" or "miss" for every cache lookup.
	OnLookup func(result string)

	mu    sync.Mutex
	rates map[string]RateEntry
	group singleflight.Group
}

func NewClient(tokens TokenProvider, endpoint string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		tokens:   tokens,
		endpoint: endpoint,
		http:     httpClient,
		now:      time.Now,
		logger:   logging.Or(logger).With("component", "fx"),
		OnLookup: func(string) {},
		rates:    make(map[string]RateEntry),
	}
}

// Convert converts amount from one currency to another, pivoting through USD.
func (c *Client) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if from == "" || to == "" {
		return decimal.Zero, fmt.Errorf("%w: currency code required", ErrInvalidInput)
	}
	if from == to {
		return amount, nil
	}

	switch {
	case from == USD:
		return c.fromUSD(ctx, amount, to)
	case to == USD:
		return c.toUSD(ctx, amount, from)
	}
	inUSD, err := c.toUSD(ctx, amount, from)
	if err != nil {
		return decimal.Zero, err
	}
	return c.fromUSD(ctx, inUSD, to)
}

// ToUSD converts a local amount into its USD (stablecoin) equivalent.
func (c *Client) ToUSD(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	return c.Convert(ctx, amount, from, USD)
}

func (c *Client) toUSD(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	rate, err := c.rate(ctx, from, USD)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Div(rate), nil
}

func (c *Client) fromUSD(ctx context.Context, amount decimal.Decimal, to string) (decimal.Decimal, error) {
	rate, err := c.rate(ctx, USD, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

// rate returns local units per USD for the non-USD side of the pair.
func (c *Client) rate(ctx context.Context, base, target string) (decimal.Decimal, error) {
	pair := base + "-" + target

	c.mu.Lock()
	entry, ok := c.rates[pair]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.FetchedAt) < RateTTL {
		c.OnLookup("hit")
		return entry.Rate, nil
	}
	c.OnLookup("miss")

	local := base
	if local == USD {
		local = target
	}

	ch := c.group.DoChan(pair, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		rate, err := c.fetch(fetchCtx, local)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.rates[pair] = RateEntry{Pair: pair, Rate: rate, FetchedAt: c.now()}
		c.mu.Unlock()
		return rate, nil
	})

	select {
	case <-ctx.Done():
		return decimal.Zero, fmt.Errorf("%w: %w", ErrConversionUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			c.logger.Error("exchange rate lookup failed", "pair", pair, "error", res.Err)
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

type fxRequest struct {
	OperatorID int `json:"operatorId"`
	Amount     int `json:"amount"`
}

type fxAmount struct {
	Amount decimal.NullDecimal `json:"amount"`
}

type fxResponse struct {
	FxRate decimal.NullDecimal `json:"fxRate"`
	Rate   decimal.NullDecimal `json:"rate"`
	Source *fxAmount           `json:"source"`
	Target *fxAmount           `json:"target"`
}

func (c *Client) fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	operatorID, ok := operators[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unsupported currency %s", ErrConversionUnavailable, currency)
	}
	if c.endpoint == "" {
		return decimal.Zero, fmt.Errorf("%w: fx endpoint not configured", ErrConversionUnavailable)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrConversionUnavailable, err)
	}

	body, _ := json.Marshal(fxRequest{OperatorID: operatorID, Amount: 1})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrConversionUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/com.reloadly.topups-v1+json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrConversionUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read body: %v", ErrConversionUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrConversionUnavailable, resp.StatusCode)
	}
	return parseRate(raw)
}

// parseRate accepts fxRate, rate, or a source/target amount pair.
func parseRate(raw []byte) (decimal.Decimal, error) {
	var parsed fxResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrConversionUnavailable, err)
	}

	var rate decimal.Decimal
	switch {
	case parsed.FxRate.Valid && !parsed.FxRate.Decimal.IsZero():
		rate = parsed.FxRate.Decimal
	case parsed.Rate.Valid && !parsed.Rate.Decimal.IsZero():
		rate = parsed.Rate.Decimal
	case parsed.Source != nil && parsed.Target != nil &&
		parsed.Source.Amount.Valid && parsed.Target.Amount.Valid &&
		!parsed.Source.Amount.Decimal.IsZero():
		rate = parsed.Target.Amount.Decimal.Div(parsed.Source.Amount.Decimal)
	default:
		return decimal.Zero, fmt.Errorf("%w: could not determine exchange rate from response", ErrConversionUnavailable)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", ErrConversionUnavailable, rate)
	}
	return rate, nil
}

// QuoteRequest is the body of the exchange-rate endpoint.
type QuoteRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	BaseCurrency string          `json:"base_currency"`
}

// QuoteResponse carries the USD equivalent of a QuoteRequest.
type QuoteResponse struct {
	ToAmount decimal.Decimal `json:"toAmount"`
}

// Quote converts the request amount from its base currency into USD.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (QuoteResponse, error) {
	out, err := c.ToUSD(ctx, req.Amount, req.BaseCurrency)
	if err != nil {
		return QuoteResponse{}, err
	}
	return QuoteResponse{ToAmount: out}, nil
}
