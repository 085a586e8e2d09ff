package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lostfound/internal/model"
)

// Default client settings.
const (
	DefaultSchema         = "public"
	DefaultTable          = "lost_items"
	DefaultChannel        = "lost_items_changes"
	DefaultRequestTimeout = 10 * time.Second
	DefaultHeartbeat      = 30 * time.Second
)

// maxResponseSize caps the bulk query body.
const maxResponseSize = 32 << 20

// Options configures a Client.
type Options struct {
	URL            string
	APIKey         string
	AccessToken    string // defaults to APIKey
	Schema         string
	Table          string
	Channel        string
	RequestTimeout time.Duration
	Heartbeat      time.Duration
}

// Client implements Source against the hosted data service.
type Client struct {
	opts       Options
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

// NewClient creates a new Client. Zero option values take the defaults.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, ErrMissingURL
	}
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, ErrUnexpectedScheme
	}

	if opts.AccessToken == "" {
		opts.AccessToken = opts.APIKey
	}
	if opts.Schema == "" {
		opts.Schema = DefaultSchema
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	return &Client{
		opts:       opts,
		baseURL:    base,
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.RequestTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}, nil
}

// Options returns the effective client options.
func (c *Client) Options() Options {
	return c.opts
}

// QueryURL returns the bulk query endpoint.
func (c *Client) QueryURL() string {
	u := c.baseURL.JoinPath("rest", "v1", c.opts.Table)
	u.RawQuery = url.Values{
		"select": {"*"},
		"order":  {"created_at.desc"},
	}.Encode()
	return u.String()
}

// RealtimeURL returns the websocket endpoint of the change feed.
func (c *Client) RealtimeURL() string {
	u := c.baseURL.JoinPath("realtime", "v1", "websocket")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{
		"apikey": {c.opts.APIKey},
		"vsn":    {realtimeVSN},
	}.Encode()
	return u.String()
}

// FetchAll returns every item ordered by creation time, newest first.
// Rows that fail validation are skipped.
func (c *Client) FetchAll(ctx context.Context) ([]model.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.QueryURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("building bulk query: %w", err)
	}

	req.Header.Set("apikey", c.opts.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.opts.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Profile", c.opts.Schema)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bulk query: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body := io.LimitReader(resp.Body, maxResponseSize)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	var rows []json.RawMessage
	if err := json.NewDecoder(body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedRowFormat, err)
	}

	items := make([]model.Item, 0, len(rows))
	for i, row := range rows {
		item, err := model.DecodeRecord(row)
		if err != nil {
			c.logger.Warn("skipping invalid row",
				zap.Int("row", i),
				zap.String("table", c.opts.Table),
				zap.Error(err),
			)
			continue
		}
		if err := item.ValidateLocation(); err != nil {
			c.logger.Warn("row has an invalid location",
				zap.String("id", item.ID),
				zap.String("table", c.opts.Table),
				zap.Error(err),
			)
		}
		items = append(items, item)
	}

	c.logger.Debug("bulk query completed",
		zap.String("table", c.opts.Table),
		zap.Int("rows", len(rows)),
		zap.Int("items", len(items)),
	)

	return items, nil
}

// decodeAPIError builds an APIError from a PostgREST error body.
func decodeAPIError(status int, body io.Reader) error {
	apiErr := &APIError{StatusCode: status}

	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		apiErr.Message = http.StatusText(status)
		return apiErr
	}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Hint    string `json:"hint"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}

	apiErr.Code = payload.Code
	apiErr.Message = payload.Message
	apiErr.Hint = payload.Hint

	return apiErr
}
