package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"minisafe/internal/logging"
)

var (
	ErrNotConfigured = errors.New("billing api not configured")
	ErrInvalidInput  = errors.New("invalid billing request")
	ErrUpstream      = errors.New("billing api request failed")
)

// APIError is a non-2xx aggregator response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("billing api: %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("billing api: status %d", e.Status)
}

func (e *APIError) Unwrap() error { return ErrUpstream }

// TokenProvider supplies bearer tokens for one API audience.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// API is one aggregator product surface with its own audience.
type API struct {
	BaseURL string
	Tokens  TokenProvider
	Accept  string
}

type Options struct {
	Topups  API
	Billers API
	HTTP    *http.Client
	Logger  *slog.Logger
}

// Client talks to the aggregator's top-up and bill-payment APIs.
type Client struct {
	topups  API
	billers API
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Topups.Accept == "" {
		opts.Topups.Accept = "application/com.reloadly.topups-v1+json"
	}
	if opts.Billers.Accept == "" {
		opts.Billers.Accept = "application/com.reloadly.utilities-v1+json"
	}
	return &Client{
		topups:  opts.Topups,
		billers: opts.Billers,
		http:    httpClient,
		logger:  logging.Or(opts.Logger).With("component", "billing"),
	}
}

type Country struct {
	ISOName      string `json:"isoName"`
	Name         string `json:"name"`
	CurrencyCode string `json:"currencyCode"`
}

// Operator is a mobile network as exposed to callers.
type Operator struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	LogoURLs        []string `json:"logoUrls"`
	SupportsData    bool     `json:"supportsData"`
	SupportsBundles bool     `json:"supportsBundles"`
}

type DataPlan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Price       string `json:"price"`
	Description string `json:"description"`
	DataAmount  string `json:"dataAmount"`
	Validity    string `json:"validity"`
}

type Verification struct {
	Verified          bool       `json:"verified"`
	Message           string     `json:"message"`
	OperatorName      string     `json:"operatorName,omitempty"`
	SuggestedProvider *Suggested `json:"suggestedProvider,omitempty"`
	AutoSwitched      bool       `json:"autoSwitched,omitempty"`
	CorrectOperatorID string     `json:"correctProviderId,omitempty"`
}

type Suggested struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ElectricityProvider struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	LogoURLs           []string `json:"logoUrls"`
	AccountNumberRegex *string  `json:"accountNumberRegex"`
	AccountNumberMask  *string  `json:"accountNumberMask"`
	CurrencyCode       string   `json:"currencyCode"`
}

type CableProvider struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	LogoURLs         []string `json:"logoUrls"`
	SupportsPackages bool     `json:"supportsPackages"`
}

type CablePackage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Validity    string `json:"validity"`
	PackageType string `json:"packageType"`
}

type RecipientPhone struct {
	CountryCode string `json:"countryCode"`
	Number      string `json:"number"`
}

// TopupRequest is the body posted to the aggregator top-up endpoint.
type TopupRequest struct {
	OperatorID     int                 `json:"operatorId"`
	Amount         decimal.NullDecimal `json:"-"`
	UseLocalAmount bool                `json:"useLocalAmount"`
	RecipientEmail *string             `json:"recipientEmail"`
	RecipientPhone RecipientPhone      `json:"recipientPhone"`
	SenderPhone    *RecipientPhone     `json:"senderPhone"`
	// IsFreeClaim marks top-ups funded by the daily claim; not sent upstream.
	IsFreeClaim bool `json:"-"`
}

// MarshalJSON writes the amount as a bare number, or null when unset.
func (r TopupRequest) MarshalJSON() ([]byte, error) {
	type wire TopupRequest
	var amount *json.Number
	if r.Amount.Valid {
		n := json.Number(r.Amount.Decimal.String())
		amount = &n
	}
	return json.Marshal(struct {
		wire
		Amount *json.Number `json:"amount"`
	}{wire: wire(r), Amount: amount})
}

type TopupResult struct {
	TransactionID     int64           `json:"transactionId"`
	Status            string          `json:"status"`
	OperatorID        int             `json:"operatorId"`
	OperatorName      string          `json:"operatorName"`
	RequestedAmount   decimal.Decimal `json:"requestedAmount"`
	DeliveredAmount   decimal.Decimal `json:"deliveredAmount"`
	RecipientPhone    string          `json:"recipientPhone"`
	CustomIdentifier  string          `json:"customIdentifier"`
	TransactionDate   string          `json:"transactionDate"`
	DeliveredCurrency string          `json:"deliveredAmountCurrencyCode"`
}

type TransactionStatus struct {
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Status      string      `json:"status"`
	Transaction TopupResult `json:"transaction"`
}

type remoteOperator struct {
	OperatorID               int64             `json:"operatorId"`
	Name                     string            `json:"name"`
	Bundle                   bool              `json:"bundle"`
	Data                     bool              `json:"data"`
	LogoURLs                 []string          `json:"logoUrls"`
	DestinationCurrencyCode  string            `json:"destinationCurrencyCode"`
	FixedAmounts             []decimal.Decimal `json:"fixedAmounts"`
	FixedAmountsDescriptions map[string]string `json:"fixedAmountsDescriptions"`
	LocalFixedAmounts        []decimal.Decimal `json:"localFixedAmounts"`
	LocalFixedDescriptions   map[string]string `json:"localFixedAmountsDescriptions"`
}

func (o remoteOperator) toOperator() Operator {
	return Operator{
		ID:              strconv.FormatInt(o.OperatorID, 10),
		Name:            o.Name,
		LogoURLs:        o.LogoURLs,
		SupportsData:    o.Data,
		SupportsBundles: o.Bundle,
	}
}

type remoteBiller struct {
	ID                         int64         `json:"id"`
	Name                       string        `json:"name"`
	CountryCode                string        `json:"countryCode"`
	Type                       string        `json:"type"`
	ServiceType                string        `json:"serviceType"`
	LocalTransactionCurrency   string        `json:"localTransactionCurrencyCode"`
	LogoURLs                   []string      `json:"logoUrls"`
	AccountNumberRegex         *string       `json:"accountNumberRegex"`
	AccountNumberMask          *string       `json:"accountNumberMask"`
	LocalFixedAmountsSupported bool          `json:"localFixedAmountsSupported"`
	LocalFixedAmounts          []fixedAmount `json:"localFixedAmounts"`
}

type fixedAmount struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type billerPage struct {
	Content []remoteBiller `json:"content"`
}

// Countries lists every country the top-up API serves.
func (c *Client) Countries(ctx context.Context) ([]Country, error) {
	var out []Country
	if err := c.do(ctx, c.topups, http.MethodGet, "/countries", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Operators returns the operators of a country that sell data or bundles.
func (c *Client) Operators(ctx context.Context, country string) ([]Operator, error) {
	code := CountryCodeToISO2(country)
	if code == "" {
		return nil, fmt.Errorf("%w: country required", ErrInvalidInput)
	}
	var remote []remoteOperator
	path := "/operators/countries/" + url.PathEscape(code) + "?includeBundles=true&includeData=true"
	if err := c.do(ctx, c.topups, http.MethodGet, path, nil, &remote); err != nil {
		return nil, err
	}
	out := make([]Operator, 0, len(remote))
	for _, o := range remote {
		if !o.Data && !o.Bundle {
			continue
		}
		out = append(out, o.toOperator())
	}
	return out, nil
}

// DataPlans lists the fixed-price bundles of an operator, cheapest first.
func (c *Client) DataPlans(ctx context.Context, operatorID, country string) ([]DataPlan, error) {
	if operatorID == "" || CountryCodeToISO2(country) == "" {
		return nil, fmt.Errorf("%w: operator and country required", ErrInvalidInput)
	}
	var op remoteOperator
	if err := c.do(ctx, c.topups, http.MethodGet, "/operators/"+url.PathEscape(operatorID), nil, &op); err != nil {
		return nil, err
	}

	descriptions := op.LocalFixedDescriptions
	if len(descriptions) == 0 {
		descriptions = op.FixedAmountsDescriptions
	}
	plans := make([]DataPlan, 0, len(descriptions))
	for price, desc := range descriptions {
		amount, err := decimal.NewFromString(price)
		if err != nil {
			c.logger.Warn("skipping unparsable plan price", "operator_id", operatorID, "price", price)
			continue
		}
		dataAmount, validity := splitPlanDescription(desc)
		plans = append(plans, DataPlan{
			ID:          operatorID + "-" + amount.String(),
			Name:        desc,
			Price:       amount.String(),
			Description: desc,
			DataAmount:  dataAmount,
			Validity:    validity,
		})
	}
	sort.Slice(plans, func(i, j int) bool {
		pi, _ := decimal.NewFromString(plans[i].Price)
		pj, _ := decimal.NewFromString(plans[j].Price)
		return pi.LessThan(pj)
	})
	return plans, nil
}

// splitPlanDescription splits "1GB - 30 Days" style descriptions.
func splitPlanDescription(desc string) (string, string) {
	for _, sep := range []string{" - ", " for ", ","} {
		if i := strings.Index(desc, sep); i > 0 {
			return strings.TrimSpace(desc[:i]), strings.TrimSpace(desc[i+len(sep):])
		}
	}
	return strings.TrimSpace(desc), ""
}

// DetectOperator asks the aggregator which operator serves phone.
func (c *Client) DetectOperator(ctx context.Context, phone, country string) (Operator, error) {
	var op remoteOperator
	path := fmt.Sprintf("/operators/auto-detect/phone/%s/countries/%s",
		url.PathEscape(CleanPhone(phone)), url.PathEscape(CountryCodeToISO2(country)))
	if err := c.do(ctx, c.topups, http.MethodGet, path, nil, &op); err != nil {
		return Operator{}, err
	}
	return op.toOperator(), nil
}

// VerifyPhone checks that phone belongs to operatorID's network. On a
// mismatch the detected operator is returned as a suggestion.
func (c *Client) VerifyPhone(ctx context.Context, phone, operatorID, country string) (Verification, error) {
	phone = CleanPhone(phone)
	if phone == "" || operatorID == "" || country == "" {
		return Verification{Message: "Missing required information"}, fmt.Errorf("%w: phone, operator and country required", ErrInvalidInput)
	}
	detected, err := c.DetectOperator(ctx, phone, country)
	if err != nil {
		return Verification{Message: "Failed to verify phone number"}, err
	}
	if SameNetwork(detected.ID, operatorID, country) {
		return Verification{
			Verified:     true,
			Message:      "Phone number verified",
			OperatorName: detected.Name,
		}, nil
	}
	return Verification{
		Message:           fmt.Sprintf("Phone number belongs to %s", detected.Name),
		OperatorName:      detected.Name,
		SuggestedProvider: &Suggested{ID: detected.ID, Name: detected.Name},
	}, nil
}

// VerifyAndSwitch verifies phone and, on a provider mismatch with a
// suggestion, retries once with the suggested operator.
func (c *Client) VerifyAndSwitch(ctx context.Context, phone, operatorID, country string) (Verification, error) {
	res, err := c.VerifyPhone(ctx, phone, operatorID, country)
	if err != nil || res.Verified || res.SuggestedProvider == nil || res.SuggestedProvider.ID == "" {
		return res, err
	}

	suggested := *res.SuggestedProvider
	c.logger.Info("switching to suggested operator", "from", operatorID, "to", suggested.ID)
	retry, err := c.VerifyPhone(ctx, phone, suggested.ID, country)
	if err != nil || !retry.Verified {
		return res, nil
	}
	retry.AutoSwitched = true
	retry.CorrectOperatorID = suggested.ID
	retry.SuggestedProvider = &suggested
	retry.Message = fmt.Sprintf("Automatically switched to %s which matches your phone number", suggested.Name)
	return retry, nil
}

// ElectricityProviders lists prepaid and postpaid electricity billers.
func (c *Client) ElectricityProviders(ctx context.Context, country string) ([]ElectricityProvider, error) {
	billers, err := c.listBillers(ctx, country, "ELECTRICITY_BILL_PAYMENT")
	if err != nil {
		return nil, err
	}
	out := make([]ElectricityProvider, 0, len(billers))
	for _, b := range billers {
		out = append(out, ElectricityProvider{
			ID:                 strconv.FormatInt(b.ID, 10),
			Name:               b.Name,
			LogoURLs:           b.LogoURLs,
			AccountNumberRegex: b.AccountNumberRegex,
			AccountNumberMask:  b.AccountNumberMask,
			CurrencyCode:       b.LocalTransactionCurrency,
		})
	}
	return out, nil
}

// CableProviders lists TV billers.
func (c *Client) CableProviders(ctx context.Context, country string) ([]CableProvider, error) {
	billers, err := c.listBillers(ctx, country, "TV_BILL_PAYMENT")
	if err != nil {
		return nil, err
	}
	out := make([]CableProvider, 0, len(billers))
	for _, b := range billers {
		out = append(out, CableProvider{
			ID:               strconv.FormatInt(b.ID, 10),
			Name:             b.Name,
			LogoURLs:         b.LogoURLs,
			SupportsPackages: b.LocalFixedAmountsSupported,
		})
	}
	return out, nil
}

// CablePackages lists the fixed-price packages of one TV biller.
func (c *Client) CablePackages(ctx context.Context, providerID, country string) ([]CablePackage, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider required", ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("id", providerID)
	if code := CountryCodeToISO2(country); code != "" {
		q.Set("countryISOCode", code)
	}
	var page billerPage
	if err := c.do(ctx, c.billers, http.MethodGet, "/billers?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	var out []CablePackage
	for _, b := range page.Content {
		for _, p := range b.LocalFixedAmounts {
			out = append(out, CablePackage{
				ID:          strconv.FormatInt(p.ID, 10),
				Name:        p.Name,
				Description: p.Description,
				Price:       p.Amount.String(),
				PackageType: b.ServiceType,
			})
		}
	}
	return out, nil
}

func (c *Client) listBillers(ctx context.Context, country, kind string) ([]remoteBiller, error) {
	code := CountryCodeToISO2(country)
	if code == "" {
		return nil, fmt.Errorf("%w: country required", ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("countryISOCode", code)
	q.Set("type", kind)
	var page billerPage
	if err := c.do(ctx, c.billers, http.MethodGet, "/billers?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return page.Content, nil
}

// Topup delivers airtime or data to a phone.
func (c *Client) Topup(ctx context.Context, req TopupRequest) (TopupResult, error) {
	if req.OperatorID <= 0 || req.RecipientPhone.Number == "" {
		return TopupResult{}, fmt.Errorf("%w: missing required fields for top-up", ErrInvalidInput)
	}
	if req.UseLocalAmount && (!req.Amount.Valid || !req.Amount.Decimal.IsPositive()) {
		return TopupResult{}, fmt.Errorf("%w: local amount must be positive", ErrInvalidInput)
	}
	if !req.UseLocalAmount {
		req.Amount = decimal.NullDecimal{}
	}
	req.RecipientPhone.CountryCode = CountryCodeToISO2(req.RecipientPhone.CountryCode)
	req.RecipientPhone.Number = CleanPhone(req.RecipientPhone.Number)

	var out TopupResult
	if err := c.do(ctx, c.topups, http.MethodPost, "/topups", req, &out); err != nil {
		return TopupResult{}, err
	}
	c.logger.Info("top-up delivered",
		"transaction_id", out.TransactionID,
		"operator_id", req.OperatorID,
		"status", out.Status,
		"free_claim", req.IsFreeClaim,
	)
	return out, nil
}

// TransactionStatus fetches the status of an earlier top-up.
func (c *Client) TransactionStatus(ctx context.Context, transactionID int64) (TransactionStatus, error) {
	var out TransactionStatus
	path := fmt.Sprintf("/topups/%d/status", transactionID)
	if err := c.do(ctx, c.topups, http.MethodGet, path, nil, &out); err != nil {
		return TransactionStatus{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, api API, method, path string, body, out interface{}) error {
	if api.BaseURL == "" || api.Tokens == nil {
		return ErrNotConfigured
	}
	token, err := api.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(api.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", api.Accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUpstream, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Message = payload.Message
		}
		c.logger.Warn("billing api request failed", "method", method, "path", path, "status", resp.StatusCode)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}
