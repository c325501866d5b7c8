package linksync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RemoteStatus is one account's authoritative state as reported by the ad
// platform.
type RemoteStatus struct {
	CustomerID  string            `json:"customerId"`
	Status      string            `json:"status"`
	LinkDetails map[string]string `json:"linkDetails,omitempty"`
}

// RemoteClient is the engine's view of the ad platform. Status and
// BatchStatus are idempotent, side-effect-free reads; the Issue calls are
// side-effecting and report platform business conditions as
// *BusinessError rather than transport failures.
type RemoteClient interface {
	Status(ctx context.Context, customerID string) (RemoteStatus, error)
	BatchStatus(ctx context.Context, customerIDs []string, forceRefresh bool) ([]RemoteStatus, error)
	IssueLinkRequest(ctx context.Context, customerID, displayName string) error
	IssueUnlinkRequest(ctx context.Context, customerID string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

func (c *HTTPClient) Status(ctx context.Context, customerID string) (RemoteStatus, error) {
	q := url.Values{}
	q.Set("customerId", customerID)
	var out RemoteStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/link/status?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) BatchStatus(ctx context.Context, customerIDs []string, forceRefresh bool) ([]RemoteStatus, error) {
	body := map[string]any{
		"customerIds": customerIDs,
	}
	if forceRefresh {
		body["forceRefresh"] = true
	}
	var out struct {
		Accounts []RemoteStatus `json:"accounts"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/link/status:batch", body, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

func (c *HTTPClient) IssueLinkRequest(ctx context.Context, customerID, displayName string) error {
	body := map[string]any{
		"customerId":  customerID,
		"displayName": displayName,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/link/requests", body, nil)
}

func (c *HTTPClient) IssueUnlinkRequest(ctx context.Context, customerID string) error {
	body := map[string]any{
		"customerId": customerID,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/link/removals", body, nil)
}

// doJSON performs one JSON round trip with the shared retry policy:
// connection failures, 429s, and 5xx responses are retried with
// exponential backoff capped at maxDelay, honoring Retry-After. Platform
// business conditions (4xx with an error code the taxonomy knows) become
// *BusinessError; everything else becomes *HTTPError.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error   string `json:"error"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		code := errPayload.Error
		if code == "" {
			code = errPayload.Code
		}
		switch code {
		case BusinessAlreadyLinked, BusinessPendingInvitation, BusinessSuspended, BusinessOther:
			return &BusinessError{Code: code, Message: errPayload.Message}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ RemoteClient = (*HTTPClient)(nil)
