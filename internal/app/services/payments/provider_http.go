package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/threadline/platform/internal/app/domain/payment"
	"github.com/threadline/platform/pkg/logger"
)

// HTTPProvider talks to a Paystack-style REST gateway: POST
// /transaction/initialize to open a charge, GET /transaction/verify/{ref} to
// read its authoritative status.
type HTTPProvider struct {
	client   *http.Client
	endpoint *url.URL
	secret   string
	log      *logger.Logger
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider constructs a provider client for the given base endpoint.
func NewHTTPProvider(client *http.Client, endpoint, secret string, log *logger.Logger) (*HTTPProvider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("provider endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse provider endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("payment-provider")
	}
	return &HTTPProvider{client: client, endpoint: parsed, secret: strings.TrimSpace(secret), log: log}, nil
}

// Initialize opens a charge and returns the redirect URL plus the
// provider-assigned reference.
func (p *HTTPProvider) Initialize(ctx context.Context, accountID string, amount int64, metadata map[string]string) (payment.InitResult, error) {
	payload := map[string]any{
		"amount": amount,
		"metadata": map[string]any{
			"account_id": accountID,
			"extra":      metadata,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return payment.InitResult{}, err
	}

	raw, err := p.do(ctx, http.MethodPost, "/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return payment.InitResult{}, err
	}

	parsed := gjson.ParseBytes(raw)
	if !parsed.Get("status").Bool() {
		return payment.InitResult{}, fmt.Errorf("provider rejected initialize: %s", parsed.Get("message").String())
	}

	result := payment.InitResult{
		RedirectURL: parsed.Get("data.authorization_url").String(),
		Reference:   parsed.Get("data.reference").String(),
	}
	if result.Reference == "" {
		return payment.InitResult{}, fmt.Errorf("provider returned no reference")
	}
	return result, nil
}

// Verify reads the charge's settled status.
func (p *HTTPProvider) Verify(ctx context.Context, reference string) (payment.VerifyResult, error) {
	raw, err := p.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return payment.VerifyResult{}, err
	}

	parsed := gjson.ParseBytes(raw)
	if !parsed.Get("status").Bool() {
		return payment.VerifyResult{}, fmt.Errorf("provider rejected verify: %s", parsed.Get("message").String())
	}

	result := payment.VerifyResult{
		Success: parsed.Get("data.status").String() == "success",
		Amount:  parsed.Get("data.amount").Int(),
	}
	if meta := parsed.Get("data.metadata.extra"); meta.IsObject() {
		result.Metadata = make(map[string]string)
		meta.ForEach(func(key, value gjson.Result) bool {
			result.Metadata[key.String()] = value.String()
			return true
		})
	}
	return result, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	target := *p.endpoint
	target.Path = strings.TrimRight(target.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		req.Header.Set("Authorization", "Bearer "+p.secret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
