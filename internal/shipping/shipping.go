// Package shipping quotes freight for an order to a destination postal code.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidPostal is returned for postal codes that are not 8 digits.
	ErrInvalidPostal = errors.New("postal code must have 8 digits")
	// ErrUnavailable wraps transport and upstream failures.
	ErrUnavailable = errors.New("shipping quote service unavailable")
)

// Request describes what to quote.
type Request struct {
	OriginPostal string  `json:"origin_postal"`
	DestPostal   string  `json:"dest_postal"`
	WeightKg     float64 `json:"weight_kg"`
}

// Option is one carrier offer.
type Option struct {
	Carrier  string  `json:"carrier"`
	Service  string  `json:"service"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	DaysMin  int     `json:"days_min"`
	DaysMax  int     `json:"days_max"`
}

// Quoter returns shipping options for a request.
type Quoter interface {
	Quote(ctx context.Context, req Request) ([]Option, error)
}

// NormalizePostal strips punctuation and checks the 8-digit format.
func NormalizePostal(s string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == ' ':
		default:
			return "", ErrInvalidPostal
		}
	}
	if b.Len() != 8 {
		return "", ErrInvalidPostal
	}
	return b.String(), nil
}

// HTTPQuoter calls a JSON quote API: POST {base}/quotes.
type HTTPQuoter struct {
	base   string
	apiKey string
	client *http.Client
}

// NewHTTPQuoter creates a quoter for the API at base.
func NewHTTPQuoter(base, apiKey string, timeout time.Duration) *HTTPQuoter {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPQuoter{
		base:   strings.TrimSuffix(base, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type quoteResponse struct {
	Options []Option `json:"options"`
	Error   string   `json:"error,omitempty"`
}

// Quote implements Quoter.
func (q *HTTPQuoter) Quote(ctx context.Context, req Request) ([]Option, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal quote request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, q.base+"/quotes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+q.apiKey)
	}

	resp, err := q.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out quoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		if out.Error == "" {
			out.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("quote rejected: %s", out.Error)
	}
	return out.Options, nil
}

// TableQuoter prices by destination region (first postal digit) and weight.
// It never fails and serves as the offline fallback.
type TableQuoter struct {
	Currency string
}

var regionBase = map[byte]float64{
	'0': 25, '1': 28, '2': 35, '3': 38, '4': 45,
	'5': 55, '6': 62, '7': 48, '8': 40, '9': 42,
}

// Quote implements Quoter.
func (t TableQuoter) Quote(_ context.Context, req Request) ([]Option, error) {
	dest, err := NormalizePostal(req.DestPostal)
	if err != nil {
		return nil, err
	}
	currency := t.Currency
	if currency == "" {
		currency = "BRL"
	}
	base := regionBase[dest[0]]
	weight := math.Max(req.WeightKg, 1)
	standard := math.Round((base+weight*2.5)*100) / 100
	days := 3 + int(dest[0]-'0')/2
	return []Option{
		{Carrier: "transportadora", Service: "standard", Price: standard, Currency: currency, DaysMin: days, DaysMax: days + 3},
		{Carrier: "transportadora", Service: "express", Price: math.Round(standard*1.6*100) / 100, Currency: currency, DaysMin: 1 + days/2, DaysMax: days},
	}, nil
}

// Fallback tries Primary and answers from Secondary when Primary is unavailable.
type Fallback struct {
	Primary   Quoter
	Secondary Quoter
}

// Quote implements Quoter.
func (f Fallback) Quote(ctx context.Context, req Request) ([]Option, error) {
	opts, err := f.Primary.Quote(ctx, req)
	if err == nil || !errors.Is(err, ErrUnavailable) || f.Secondary == nil {
		return opts, err
	}
	return f.Secondary.Quote(ctx, req)
}
