package tgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tgharvest/internal/metrics"
	"tgharvest/internal/model"
)

// HTTPClient implements Client against the MTProto gateway's REST surface.
type HTTPClient struct {
	baseURL     string
	account     model.Account
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	connected   atomic.Bool
}

// NewHTTPClient builds a client for one account. The gateway address comes
// from TG_GATEWAY_URL unless baseURL is given.
func NewHTTPClient(baseURL string, account model.Account) *HTTPClient {
	if baseURL == "" {
		baseURL = os.Getenv("TG_GATEWAY_URL")
	}
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8081"
	}
	return &HTTPClient{
		baseURL:     baseURL,
		account:     account,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     newDefaultLimiter(),
		maxAttempts: getEnvInt("TG_GATEWAY_MAX_ATTEMPTS", 5),
		baseBackoff: time.Duration(getEnvInt("TG_GATEWAY_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

func (c *HTTPClient) auth(req *http.Request) {
	req.Header.Set("X-Api-Id", strconv.Itoa(c.account.APIID))
	req.Header.Set("X-Api-Hash", c.account.APIHash)
	req.Header.Set("X-Session", c.account.SessionName)
	req.Header.Set("Accept", "application/json")
}

// apiError is the gateway's error envelope.
type apiError struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// decodeError maps a non-2xx response to the error taxonomy.
func decodeError(resp *http.Response) error {
	var ae apiError
	_ = json.NewDecoder(resp.Body).Decode(&ae)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || ae.Error == "FLOOD_WAIT":
		wait := time.Duration(ae.RetryAfter) * time.Second
		if wait <= 0 {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &FloodWaitError{RetryAfter: wait}
	case resp.StatusCode == http.StatusUnauthorized || ae.Error == "AUTH_KEY_UNREGISTERED":
		return ErrUnauthorized
	case ae.Error == "CHANNEL_PRIVATE":
		return ErrChannelPrivate
	case ae.Error == "USER_BANNED_IN_CHANNEL":
		return ErrUserBanned
	case ae.Error == "CHANNEL_INVALID" || resp.StatusCode == http.StatusNotFound:
		return ErrChannelInvalid
	}
	return fmt.Errorf("gateway status %d: %s", resp.StatusCode, ae.Error)
}

// doWithRetry retries transport errors and 5xx with capped backoff and
// ±20% jitter. Flood control is not handled here: 429s surface to the
// caller as FloodWaitError so the engine can honor the exact wait.
func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
				_ = resp.Body.Close()
				lastErr = fmt.Errorf("gateway status %d", resp.StatusCode)
			} else {
				return resp, nil
			}
		} else {
			lastErr = err
		}
		if attempt == c.maxAttempts {
			break
		}
		metrics.IncAPIRetry(req.URL.Path)
		wait := backoff
		jitter := time.Duration(float64(wait) * 0.2)
		if jitter > 0 {
			wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var buf *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(b)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	c.auth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		c.connected.Store(false)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) Connect(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/session/connect", nil, nil); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

func (c *HTTPClient) Authorized(ctx context.Context) (bool, error) {
	var out struct {
		Authorized bool `json:"authorized"`
	}
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, &out); err != nil {
		return false, err
	}
	return out.Authorized, nil
}

type channelPayload struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

func (c *HTTPClient) ResolveChannel(ctx context.Context, username string) (Channel, error) {
	var out channelPayload
	path := "/channels/resolve?username=" + url.QueryEscape(username)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Channel{}, err
	}
	return Channel(out), nil
}

func (c *HTTPClient) ImportInvite(ctx context.Context, hash string) (Channel, error) {
	var out channelPayload
	if err := c.do(ctx, http.MethodPost, "/invites/import", map[string]string{"hash": hash}, &out); err != nil {
		return Channel{}, err
	}
	return Channel(out), nil
}

func (c *HTTPClient) JoinChannel(ctx context.Context, channelID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%d/join", channelID), nil, nil)
}

func (c *HTTPClient) History(ctx context.Context, channelID int64, limit int) ([]ChatMessage, error) {
	var out struct {
		Messages []struct {
			ID       int64  `json:"id"`
			SenderID int64  `json:"sender_id"`
			Date     int64  `json:"date"`
			Text     string `json:"text"`
		} `json:"messages"`
	}
	path := fmt.Sprintf("/channels/%d/history?limit=%d", channelID, clamp(limit, 1, 100))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]ChatMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, ChatMessage{
			ID:       m.ID,
			SenderID: m.SenderID,
			Date:     time.Unix(m.Date, 0).UTC(),
			Text:     m.Text,
		})
	}
	return msgs, nil
}

func (c *HTTPClient) Connected() bool { return c.connected.Load() }

func (c *HTTPClient) Disconnect(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/session/disconnect", nil, nil)
	c.connected.Store(false)
	return err
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
