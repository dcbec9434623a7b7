// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package emporia provides an HTTP client for the Emporia Vue metering API.
//
// The client implements the interfaces.SampleSource port: token
// authentication, device/channel enumeration and per-second usage series.
// Every request is context-bounded, passes through a shared rate limiter
// (the upstream API throttles aggressively) and maps failures onto the
// error taxonomy in pkg/errors so the poll cycle can tell an expired
// session from a network outage.
package emporia

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/soothill/vue-energy-logger/pkg/errors"
	"github.com/soothill/vue-energy-logger/pkg/interfaces"
	"github.com/soothill/vue-energy-logger/pkg/logger"
)

const (
	authPath    = "/auth/token"
	devicesPath = "/customers/devices"
	usagePath   = "/usage/time_series"

	defaultRateBurst = 3
)

// Credentials holds the account login for the metering API.
type Credentials struct {
	Email    string
	Password string
}

// Client talks to the Emporia metering API for a single account.
// Safe for use from one polling goroutine; the token is still guarded by a
// mutex because re-authentication can race with config-driven restarts.
type Client struct {
	baseURL    string
	account    string
	creds      Credentials
	httpClient *http.Client
	limiter    *rate.Limiter

	mu    sync.Mutex
	token string
}

// NewClient creates a metering API client for one account.
func NewClient(baseURL, account string, creds Credentials, timeout time.Duration, requestsPerSecond float64) *Client {
	return &Client{
		baseURL: baseURL,
		account: account,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), defaultRateBurst),
	}
}

// Account returns the configured account name.
func (c *Client) Account() string {
	return c.account
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Login authenticates the account and stores the session token.
// A second call replaces the existing session.
func (c *Client) Login(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.NewTransportError("rate limit wait", c.account, err)
	}

	body, err := json.Marshal(authRequest{Email: c.creds.Email, Password: c.creds.Password})
	if err != nil {
		return errors.NewAuthError(c.account, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authPath, bytes.NewReader(body))
	if err != nil {
		return errors.NewAuthError(c.account, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransportError("login", c.account, wrapTimeout(err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.NewAuthError(c.account, fmt.Errorf("login rejected with status %d", resp.StatusCode))
	default:
		return errors.NewTransportError("login", c.account, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return errors.NewTransportError("login", c.account, fmt.Errorf("decode response: %w", err))
	}
	if auth.Token == "" {
		return errors.NewAuthError(c.account, fmt.Errorf("empty token in response"))
	}

	c.mu.Lock()
	c.token = auth.Token
	c.mu.Unlock()

	logger.Info().Str("account", c.account).Msg("Authenticated with metering API")
	return nil
}

type deviceList struct {
	Devices []struct {
		DeviceGID  int    `json:"deviceGid"`
		DeviceName string `json:"deviceName"`
		Model      string `json:"model"`
		Firmware   string `json:"firmware"`
		Channels   []struct {
			ChannelNum string `json:"channelNum"`
			Name       string `json:"name"`
		} `json:"channels"`
	} `json:"devices"`
}

// ListChannels returns every channel on every device under the account.
func (c *Client) ListChannels(ctx context.Context) ([]interfaces.Channel, error) {
	var list deviceList
	if err := c.getJSON(ctx, "list channels", c.baseURL+devicesPath, &list); err != nil {
		return nil, err
	}

	var channels []interfaces.Channel
	for _, device := range list.Devices {
		logger.Debug().
			Str("account", c.account).
			Int("device_gid", device.DeviceGID).
			Str("device_name", device.DeviceName).
			Str("model", device.Model).
			Str("firmware", device.Firmware).
			Int("channels", len(device.Channels)).
			Msg("Device listed")
		for _, ch := range device.Channels {
			channels = append(channels, interfaces.Channel{
				DeviceGID:  device.DeviceGID,
				DeviceName: device.DeviceName,
				ChannelNum: ch.ChannelNum,
				Name:       ch.Name,
			})
		}
	}
	return channels, nil
}

type usageSeries struct {
	Usage []*float64 `json:"usage"`
}

// GetUsageSeries returns one wattage reading per second over [start, end).
// Seconds the service has not (yet) populated come back as nil.
func (c *Client) GetUsageSeries(ctx context.Context, ch interfaces.Channel, start, end time.Time) ([]*float64, error) {
	query := url.Values{}
	query.Set("deviceGid", strconv.Itoa(ch.DeviceGID))
	query.Set("channel", ch.ChannelNum)
	query.Set("start", start.UTC().Format(time.RFC3339))
	query.Set("end", end.UTC().Format(time.RFC3339))
	query.Set("scale", "1S")
	query.Set("unit", "WATTS")

	var series usageSeries
	if err := c.getJSON(ctx, "get usage series", c.baseURL+usagePath+"?"+query.Encode(), &series); err != nil {
		return nil, err
	}
	return series.Usage, nil
}

// getJSON performs an authenticated GET, re-authenticating once if the
// session token has expired.
func (c *Client) getJSON(ctx context.Context, op, rawURL string, out interface{}) error {
	status, err := c.doGet(ctx, op, rawURL, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		logger.Warn().Str("account", c.account).Str("op", op).Msg("Session expired, re-authenticating")
		if err := c.Login(ctx); err != nil {
			return err
		}
		status, err = c.doGet(ctx, op, rawURL, out)
		if err != nil {
			return err
		}
	}

	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.NewAuthError(c.account, fmt.Errorf("%s rejected with status %d after re-auth", op, status))
	default:
		return errors.NewTransportError(op, c.account, fmt.Errorf("unexpected status %d", status))
	}
}

// doGet performs one rate-limited GET. The response body is decoded into out
// only on 200; other statuses are returned for the caller to classify.
func (c *Client) doGet(ctx context.Context, op, rawURL string, out interface{}) (int, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return 0, errors.NewAuthError(c.account, errors.ErrNotAuthenticated)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, errors.NewTransportError("rate limit wait", c.account, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, errors.NewTransportError(op, c.account, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.NewTransportError(op, c.account, wrapTimeout(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, errors.NewTransportError(op, c.account, fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}

// wrapTimeout tags timeout-ish transport failures with the ErrTimeout
// sentinel so callers can test for them with errors.Is.
func wrapTimeout(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errors.ErrTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", errors.ErrTimeout, err)
	}
	return err
}
