package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

const maxResponseBytes = 64 << 20

// OCAPIClient calls the Commerce Cloud Data API with a client-credentials
// bearer token. Every failure is returned as a structured error whose type
// tells the caller whether to retry.
type OCAPIClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
	creds     *clientcredentials.Config
	logger    *zap.Logger

	tokenMu sync.Mutex
	token   *oauth2.Token
}

// NewOCAPIClient builds a client for cfg. Token and data requests both go
// through base.
func NewOCAPIClient(cfg *config.Config, base *HTTPClient, logger *zap.Logger) *OCAPIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == nil {
		base = NewHTTPClient(nil, logger)
	}

	return &OCAPIClient{
		baseURL:   cfg.DataURL(),
		userAgent: cfg.UserAgent,
		client:    base.Client(),
		creds: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		logger: logger.With(zap.String("component", "ocapi_client")),
	}
}

// accessToken returns the cached token, fetching a new one within ctx when it
// is missing or about to expire. Concurrent callers share one fetch.
func (c *OCAPIClient) accessToken(ctx context.Context) (*oauth2.Token, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token.Valid() {
		return c.token, nil
	}
	tok, err := c.creds.Token(context.WithValue(ctx, oauth2.HTTPClient, c.client))
	if err != nil {
		return nil, err
	}
	c.token = tok
	c.logger.Debug("access token obtained", zap.Time("expiry", tok.Expiry))
	return tok, nil
}

// CheckCredentials obtains an access token, failing with an authentication
// error when the client credentials are rejected.
func (c *OCAPIClient) CheckCredentials(ctx context.Context) error {
	if _, err := c.accessToken(ctx); err != nil {
		return classifyTransportError(err, "token request")
	}
	return nil
}

// Get issues a GET for path and decodes the JSON response into out.
func (c *OCAPIClient) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST of body as JSON and decodes the JSON response into out.
func (c *OCAPIClient) Post(ctx context.Context, path string, query url.Values, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, query, body, out)
}

func (c *OCAPIClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	tok, err := c.accessToken(ctx)
	if err != nil {
		return classifyTransportError(err, op)
	}
	tok.SetAuthHeader(req)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(err, op)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransportError(err, op)
	}

	c.logger.Debug("ocapi request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(op, resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData,
			fmt.Sprintf("%s: non-JSON response: %s", op, snippet(data)))
	}
	return nil
}

// Fault is the error document OCAPI returns with 4xx and 5xx responses.
type Fault struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type faultEnvelope struct {
	Fault *Fault `json:"fault"`
}

func parseFault(body []byte) *Fault {
	var env faultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	return env.Fault
}

// Fault types OCAPI uses for lookups of missing objects.
var notFoundFaults = map[string]bool{
	"ProductNotFoundException":  true,
	"SiteNotFoundException":     true,
	"CatalogNotFoundException":  true,
	"OrderNotFoundException":    true,
	"CustomerNotFoundException": true,
}

// classifyResponse maps an unsuccessful response to a structured error.
func classifyResponse(op string, resp *http.Response, body []byte) error {
	status := resp.StatusCode
	fault := parseFault(body)
	msg := fmt.Sprintf("%s: HTTP %d: %s", op, status, snippet(body))

	var e *errors.Error
	switch {
	case status == http.StatusTooManyRequests:
		e = errors.New(errors.ErrorTypeRateLimit, msg).
			WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case status == http.StatusRequestTimeout || status >= 500:
		e = errors.New(errors.ErrorTypeTransient, msg).
			WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = errors.New(errors.ErrorTypeAuthentication, msg)
	case status == http.StatusNotFound || (fault != nil && notFoundFaults[fault.Type]):
		e = errors.New(errors.ErrorTypeNotFound, msg)
	default:
		e = errors.New(errors.ErrorTypeExtraction, msg)
	}

	e = e.WithDetail("status", status)
	if fault != nil {
		e = e.WithDetail("fault_type", fault.Type)
	}
	return e
}

// classifyTransportError maps a failed round trip to a structured error.
func classifyTransportError(err error, op string) error {
	var structured *errors.Error
	if errors.As(err, &structured) {
		return structured
	}

	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		msg := fmt.Sprintf("%s: token request failed: HTTP %d: %s", op, status, snippet(retrieve.Body))
		if status >= 500 || status == http.StatusTooManyRequests {
			return errors.New(errors.ErrorTypeTransient, msg)
		}
		return errors.New(errors.ErrorTypeAuthentication, msg)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrorTypeTimeout, op+": request timed out")
	case errors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.ErrorTypeInternal, op+": request canceled")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, op+": request timed out")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, op+": request failed")
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
