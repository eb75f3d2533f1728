package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/academy_backend/config"
)

// ErrTransactionNotFound is returned when every endpoint answered 404.
var ErrTransactionNotFound = errors.New("gateway: transaction not found")

// StatusError is a non-2xx, non-404 provider answer.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Endpoint describes one shape of the "fetch transaction" API. The provider
// moved transactions between paths over the years, so lookups walk an
// ordered list and a 404 falls through to the next entry.
type Endpoint struct {
	Name string
	// Path contains {id}, replaced with the escaped transaction uid.
	Path string
	// Envelope is the top-level key wrapping the transaction object; empty
	// when the body is the object itself.
	Envelope string
}

var DefaultEndpoints = []Endpoint{
	{Name: "transactions", Path: "/transactions/{id}", Envelope: "transaction"},
	{Name: "beyag_payments", Path: "/beyag/payments/{id}", Envelope: "transaction"},
	{Name: "v1_transactions", Path: "/v1/transactions/{id}"},
}

type Config struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	Timeout   time.Duration
	CallDelay time.Duration
	Endpoints []Endpoint
}

// ConfigFromEnv reads GATEWAY_* settings.
func ConfigFromEnv() Config {
	return Config{
		BaseURL:   strings.TrimSpace(os.Getenv("GATEWAY_API_BASE_URL")),
		ShopID:    strings.TrimSpace(os.Getenv("GATEWAY_SHOP_ID")),
		SecretKey: strings.TrimSpace(os.Getenv("GATEWAY_SECRET_KEY")),
		Timeout:   config.GatewayTimeout(),
		CallDelay: config.GatewayCallDelay(),
	}
}

// Client fetches transactions sequentially with a fixed pause between calls.
// It is safe for concurrent use, but calls are serialized.
type Client struct {
	baseURL   string
	shopID    string
	secretKey string
	endpoints []Endpoint
	http      *http.Client
	delay     time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gateway.bepaid.by"
	}
	if cfg.ShopID == "" || cfg.SecretKey == "" {
		return nil, errors.New("gateway shop id and secret key are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CallDelay < 0 {
		cfg.CallDelay = 0
	}
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		shopID:    cfg.ShopID,
		secretKey: cfg.SecretKey,
		endpoints: endpoints,
		http:      &http.Client{Timeout: cfg.Timeout},
		delay:     cfg.CallDelay,
	}, nil
}

func NewClientFromEnv() (*Client, error) {
	return NewClient(ConfigFromEnv())
}

// FetchTransaction walks the endpoint list. The first 2xx wins; 404 moves on.
// If nothing succeeds, the last non-404 failure is returned, or
// ErrTransactionNotFound when every endpoint was a 404.
func (c *Client) FetchTransaction(ctx context.Context, uid string) (*Transaction, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, errors.New("gateway: empty transaction uid")
	}

	var lastErr error
	for _, ep := range c.endpoints {
		tx, err := c.fetchFrom(ctx, ep, uid)
		if err == nil {
			return tx, nil
		}
		if errors.Is(err, errNotFoundHere) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTransactionNotFound
}

var errNotFoundHere = errors.New("not found at endpoint")

func (c *Client) fetchFrom(ctx context.Context, ep Endpoint, uid string) (*Transaction, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + strings.ReplaceAll(ep.Path, "{id}", url.PathEscape(uid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFoundHere
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Endpoint: ep.Name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	tx, err := decodeTransaction(body, ep.Envelope)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: decode: %w", ep.Name, err)
	}
	tx.Endpoint = ep.Name
	return tx, nil
}

func decodeTransaction(body []byte, envelope string) (*Transaction, error) {
	raw := json.RawMessage(body)
	if envelope != "" {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, err
		}
		inner, ok := wrapped[envelope]
		if !ok {
			return nil, fmt.Errorf("missing %q envelope", envelope)
		}
		raw = inner
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}
	if tx.Amount == "" {
		return nil, errors.New("transaction has no amount")
	}
	return &tx, nil
}

// wait enforces the fixed inter-call delay.
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.delay > 0 && !c.lastCall.IsZero() {
		remaining := c.delay - time.Since(c.lastCall)
		if remaining > 0 {
			t := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	c.lastCall = time.Now()
	return nil
}
