// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package tableau

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
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cardinalhq/wbbackup/internal/backup"
)

const (
	DefaultAPIVersion = "3.19"
	DefaultPageSize   = 100
	// Tableau Server sessions last 240 minutes by default.
	DefaultSessionTTL = 200 * time.Minute

	authHeader = "X-Tableau-Auth"
)

// Credentials sign in to every site. Either Username/Password or a personal
// access token must be set.
type Credentials struct {
	Username    string
	Password    string
	TokenName   string
	TokenSecret string
}

func (c Credentials) valid() bool {
	return (c.Username != "" && c.Password != "") || (c.TokenName != "" && c.TokenSecret != "")
}

// Client talks to the Tableau Server REST API. Site IDs are site content
// URLs; the empty string is the default site.
type Client struct {
	baseURL    *url.URL
	apiVersion string
	creds      Credentials
	httpClient *http.Client
	pageSize   int
	limiter    *rate.Limiter
	sessionTTL time.Duration
	sessions   *ttlcache.Cache[string, sessionValue]
	signins    singleflight.Group
	owners     *ttlcache.Cache[string, map[string]string]
	userLoads  singleflight.Group
	ll         *slog.Logger
}

var _ backup.WorkbookSource = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithAPIVersion(v string) Option {
	return func(c *Client) {
		if v != "" {
			c.apiVersion = v
		}
	}
}

func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithRequestsPerSecond paces all requests to the server. Zero or less
// disables pacing.
func WithRequestsPerSecond(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := max(1, int(rps))
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithSessionTTL(d time.Duration) Option {
	return func(c *Client) {
		c.sessionTTL = d
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(c *Client) {
		c.ll = ll
	}
}

func New(serverURL string, creds Credentials, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid Tableau server URL %q: %w", serverURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid Tableau server URL %q: scheme and host are required", serverURL)
	}
	if !creds.valid() {
		return nil, errors.New("tableau credentials need a username and password or a personal access token")
	}

	c := &Client{
		baseURL:    u,
		apiVersion: DefaultAPIVersion,
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		pageSize:   DefaultPageSize,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		sessionTTL: DefaultSessionTTL,
		ll:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ll = c.ll.With(slog.String("component", "tableau"))
	c.sessions = ttlcache.New(
		ttlcache.WithTTL[string, sessionValue](c.sessionTTL),
		ttlcache.WithDisableTouchOnHit[string, sessionValue](),
	)
	c.owners = ttlcache.New(
		ttlcache.WithTTL[string, map[string]string](c.sessionTTL),
		ttlcache.WithDisableTouchOnHit[string, map[string]string](),
	)
	return c, nil
}

func (c *Client) apiURL(elem ...string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/api/" + c.apiVersion
	for _, e := range elem {
		u.Path += "/" + e
	}
	return u.String()
}

// do sends one request. It waits on the rate limiter, classifies the
// response status, and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, rawURL, token string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backup.NewError(backup.KindTransientNetwork, op, err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, backup.NewError(backup.KindInternal, op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, backup.NewError(backup.KindInternal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(authHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, backup.NewError(backup.KindTransientNetwork, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backup.NewError(backup.KindTransientNetwork, op, fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backup.NewError(statusKind(resp.StatusCode), op, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    apiErrorMessage(data),
		})
	}
	return data, nil
}

func statusKind(code int) backup.FailureKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return backup.KindAuth
	case code == http.StatusNotFound:
		return backup.KindNotFound
	case code == http.StatusTooManyRequests:
		return backup.KindRateLimited
	case code == http.StatusRequestTimeout:
		return backup.KindTransientNetwork
	case code >= 500:
		return backup.KindServerError
	default:
		// Any other rejection means the request itself is wrong.
		return backup.KindMalformedContent
	}
}

// authed runs call with the site's session token. A 401 drops the cached
// session and the call is repeated once with a fresh sign-in.
func (c *Client) authed(ctx context.Context, siteID string, call func(s session) ([]byte, error)) ([]byte, error) {
	s, err := c.session(ctx, siteID)
	if err != nil {
		return nil, err
	}
	data, err := call(s)
	if err == nil || !isUnauthorized(err) {
		return data, err
	}

	c.ll.Info("Tableau session rejected, signing in again", slog.String("site", siteID))
	c.sessions.Delete(siteID)
	s, err = c.session(ctx, siteID)
	if err != nil {
		return nil, err
	}
	return call(s)
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Status
	}
	return e.Status + ": " + e.Message
}

func isUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

func decode[T any](op string, data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, backup.NewError(backup.KindMalformedContent, op, err)
	}
	return v, nil
}
