package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// System config keys read on every delivery so operators can rotate
// credentials without restarting the worker
const (
	CookiesConfigKey  = "INSTAGRAM_COOKIES"
	APITokenConfigKey = "APIFY_API_TOKEN"
)

// Actor run states
const (
	runSucceeded = "SUCCEEDED"
	runFailed    = "FAILED"
	runTimedOut  = "TIMED-OUT"
	runAborted   = "ABORTED"
)

// ConfigSource reads operator-managed settings
type ConfigSource interface {
	Get(ctx context.Context, key string) (string, error)
}

// ClientConfig configures the actor-run delivery client
type ClientConfig struct {
	BaseURL      string
	APIToken     string
	ActorID      string
	PollInterval time.Duration
	MaxWait      time.Duration
	HTTPClient   *http.Client
}

// Client delivers direct messages by starting a messaging actor run on the
// provider, polling the run until it settles and reading the run's dataset.
type Client struct {
	cfg     ClientConfig
	configs ConfigSource
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a delivery client
func NewClient(cfg ClientConfig, configs ConfigSource, log zerolog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 180 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		cfg:     cfg,
		configs: configs,
		http:    httpClient,
		log:     log.With().Str("component", "delivery").Logger(),
	}
}

type runInput struct {
	Cookies   []map[string]interface{} `json:"Cookies"`
	Delay     string                   `json:"Delay"`
	Usernames []string                 `json:"Instagram_UserName_List"`
	Message   string                   `json:"Message"`
}

type actorRun struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	DefaultDatasetID string `json:"defaultDatasetId"`
}

type runEnvelope struct {
	Data actorRun `json:"data"`
}

type datasetItem struct {
	Status       string `json:"Status"`
	FailedReason string `json:"Failed_Reason"`
}

// Deliver sends text to recipient through one actor run
func (c *Client) Deliver(ctx context.Context, recipient, text string) (Result, error) {
	log := c.log.With().Str("recipient", recipient).Logger()

	cookies, err := c.cookies(ctx)
	if err != nil {
		log.Error().Err(err).Msg("no usable session cookies")
		return Failed(fmt.Sprintf("no valid session cookies: %v", err)), nil
	}

	token := c.token(ctx)
	if token == "" {
		return Failed("delivery api token is not configured"), nil
	}

	run, err := c.startRun(ctx, token, runInput{
		Cookies:   cookies,
		Delay:     "5",
		Usernames: []string{recipient},
		Message:   text,
	})
	if err != nil {
		return Result{}, err
	}
	if run.ID == "" {
		return Failed("provider returned no run id"), nil
	}
	log = log.With().Str("actor_run", run.ID).Logger()
	log.Debug().Msg("actor run started")

	settled, err := c.waitForRun(ctx, token, run)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn().Dur("max_wait", c.cfg.MaxWait).Msg("actor run did not settle in time")
			return Failed("message delivery timed out"), nil
		}
		return Result{}, err
	}

	switch settled.Status {
	case runSucceeded:
	case runFailed, runTimedOut, runAborted:
		log.Warn().Str("status", settled.Status).Msg("actor run ended unsuccessfully")
		return Failed(fmt.Sprintf("actor run ended with status %s", settled.Status)), nil
	}

	datasetID := settled.DefaultDatasetID
	if datasetID == "" {
		datasetID = run.DefaultDatasetID
	}
	if datasetID == "" {
		return Failed("provider returned no result dataset"), nil
	}

	items, err := c.datasetItems(ctx, token, datasetID)
	if err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		return Failed("provider returned no delivery result"), nil
	}

	if strings.EqualFold(items[0].Status, "Failed") {
		reason := items[0].FailedReason
		if reason == "" {
			reason = "unknown reason"
		}
		return Failed("message delivery failed: " + reason), nil
	}

	log.Debug().Msg("message delivered")
	return Delivered(), nil
}

// cookies loads and validates the session cookies stored in system config
func (c *Client) cookies(ctx context.Context) ([]map[string]interface{}, error) {
	raw, err := c.configs.Get(ctx, CookiesConfigKey)
	if err != nil {
		return nil, err
	}

	var cookies []map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		return nil, fmt.Errorf("invalid cookie JSON: %w", err)
	}
	if len(cookies) == 0 {
		return nil, errors.New("cookie list is empty")
	}
	for i, cookie := range cookies {
		_, hasName := cookie["name"]
		_, hasValue := cookie["value"]
		if !hasName || !hasValue {
			return nil, fmt.Errorf("cookie %d needs name and value fields", i)
		}
	}

	return cookies, nil
}

// token prefers the system config value over the process configuration
func (c *Client) token(ctx context.Context) string {
	if value, err := c.configs.Get(ctx, APITokenConfigKey); err == nil && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return c.cfg.APIToken
}

func (c *Client) startRun(ctx context.Context, token string, input runInput) (actorRun, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return actorRun{}, fmt.Errorf("failed to marshal run input: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/acts/%s/runs", c.cfg.BaseURL, url.PathEscape(c.cfg.ActorID))
	var envelope runEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, token, body, &envelope); err != nil {
		return actorRun{}, fmt.Errorf("failed to start actor run: %w", err)
	}
	return envelope.Data, nil
}

// waitForRun polls the run status until it leaves the in-progress states.
// Polling is paced by a limiter and bounded by MaxWait.
func (c *Client) waitForRun(ctx context.Context, token string, run actorRun) (actorRun, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	endpoint := fmt.Sprintf("%s/v2/actor-runs/%s", c.cfg.BaseURL, url.PathEscape(run.ID))

	current := run
	for {
		switch current.Status {
		case runSucceeded, runFailed, runTimedOut, runAborted:
			return current, nil
		}

		if err := limiter.Wait(pollCtx); err != nil {
			if pollCtx.Err() != nil {
				return current, pollCtx.Err()
			}
			// Wait reports a would-exceed-deadline error before the deadline fires
			return current, context.DeadlineExceeded
		}

		var envelope runEnvelope
		if err := c.do(pollCtx, http.MethodGet, endpoint, token, nil, &envelope); err != nil {
			if pollCtx.Err() != nil {
				return current, pollCtx.Err()
			}
			return current, fmt.Errorf("failed to poll actor run: %w", err)
		}
		current = envelope.Data
	}
}

func (c *Client) datasetItems(ctx context.Context, token, datasetID string) ([]datasetItem, error) {
	endpoint := fmt.Sprintf("%s/v2/datasets/%s/items?format=json&clean=true", c.cfg.BaseURL, url.PathEscape(datasetID))

	var items []datasetItem
	if err := c.do(ctx, http.MethodGet, endpoint, token, nil, &items); err != nil {
		return nil, fmt.Errorf("failed to read delivery result: %w", err)
	}
	return items, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
