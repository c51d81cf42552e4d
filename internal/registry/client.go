package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/BadgerOps/regcache/internal/config"
	"github.com/BadgerOps/regcache/internal/safety"
)

const (
	maxManifestBytes  int64 = 16 * 1024 * 1024
	maxBlobBytes      int64 = 32 * 1024 * 1024
	maxCatalogBytes   int64 = 8 * 1024 * 1024
	maxTokenBodyBytes int64 = 1 * 1024 * 1024
	maxErrorBodyBytes int64 = 4096

	defaultPageSize = 100
	// maxPages bounds Link pagination against a registry that never stops.
	maxPages = 10000
)

var (
	authParamRegexp = regexp.MustCompile(`([a-zA-Z_]+)="([^"]*)"`)
	linkRegexp      = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)
)

// StatusError is returned when the registry answers with a non-2xx status.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry returned %s", e.Status)
	}
	return fmt.Sprintf("registry returned %s: %s", e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	URL       string
	Username  string
	Password  string
	PageSize  int
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	Retry     RetryPolicy
}

// OptionsFromConfig maps the registry config section onto client options.
func OptionsFromConfig(cfg config.RegistryConfig) Options {
	return Options{
		URL:       cfg.URL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		PageSize:  cfg.PageSize,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Retry:     DefaultRetryPolicy(cfg.MaxRetries),
	}
}

// Client talks to a Docker Registry HTTP API V2 endpoint. Requests carry
// HTTP Basic credentials when configured; a Bearer challenge is answered
// by fetching a token from the advertised realm.
type Client struct {
	base     *url.URL
	username string
	password string
	pageSize int
	http     *http.Client
	limiter  *RateLimiter
	logger   *slog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewClient creates a registry client.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := safety.ValidateHTTPURL(strings.TrimRight(strings.TrimSpace(opts.URL), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid registry url: %w", err)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}

	limiter := NewRateLimiter(opts.RateLimit, opts.RateBurst, logger)
	httpClient := safety.NewHTTPClient(opts.Timeout)
	httpClient.Transport = RetryTransport(limiter.RoundTripper(httpClient.Transport), opts.Retry, logger)

	return &Client{
		base:     base,
		username: opts.Username,
		password: opts.Password,
		pageSize: opts.PageSize,
		http:     httpClient,
		limiter:  limiter,
		logger:   logger,
		tokens:   make(map[string]string),
	}, nil
}

// BaseURL returns the registry base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Succeed raises a throttled rate limit back towards its ceiling. Listings
// call it once they complete cleanly.
func (c *Client) Succeed() { c.limiter.Recover() }

func (c *Client) endpoint(format string, args ...interface{}) string {
	return c.base.String() + fmt.Sprintf(format, args...)
}

// Ping checks that the endpoint speaks the V2 API and accepts our credentials.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("/v2/"), "", "")
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// Catalog returns every repository path in the registry, following Link
// pagination.
func (c *Client) Catalog(ctx context.Context) ([]string, error) {
	next := c.endpoint("/v2/_catalog?n=%d", c.pageSize)
	var repos []string
	for page := 0; next != "" && page < maxPages; page++ {
		var body struct {
			Repositories []string `json:"repositories"`
		}
		link, err := c.getJSON(ctx, next, "registry:catalog:*", maxCatalogBytes, &body)
		if err != nil {
			return nil, fmt.Errorf("listing catalog: %w", err)
		}
		repos = append(repos, body.Repositories...)
		next = link
	}
	c.Succeed()
	sort.Strings(repos)
	return repos, nil
}

// ListTags returns the tags of one repository, following Link pagination.
func (c *Client) ListTags(ctx context.Context, repo string) ([]string, error) {
	repo = strings.Trim(repo, "/")
	next := c.endpoint("/v2/%s/tags/list?n=%d", repo, c.pageSize)
	var tags []string
	for page := 0; next != "" && page < maxPages; page++ {
		var body struct {
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		}
		link, err := c.getJSON(ctx, next, pullScope(repo), maxCatalogBytes, &body)
		if err != nil {
			return nil, fmt.Errorf("listing tags for %s: %w", repo, err)
		}
		tags = append(tags, body.Tags...)
		next = link
	}
	c.Succeed()
	sort.Strings(tags)
	return tags, nil
}

// GetManifest fetches and classifies the manifest for a tag or digest.
func (c *Client) GetManifest(ctx context.Context, repo, reference string) (*Manifest, error) {
	repo = strings.Trim(repo, "/")
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("/v2/%s/manifests/%s", repo, reference),
		manifestAcceptHeader, pullScope(repo))
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %s:%s: %w", repo, reference, err)
	}
	body, err := safety.ReadAllWithLimit(resp.Body, maxManifestBytes)
	drainAndClose(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s:%s: %w", repo, reference, err)
	}

	m, err := ParseManifest(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, fmt.Errorf("manifest %s:%s: %w", repo, reference, err)
	}

	m.HeaderDigest = strings.Trim(strings.TrimSpace(resp.Header.Get("Docker-Content-Digest")), `"`)
	m.Digest = digest.FromBytes(body)
	if m.HeaderDigest != "" {
		if d, err := digest.Parse(m.HeaderDigest); err == nil {
			m.Digest = d
		} else {
			c.logger.Warn("ignoring invalid Docker-Content-Digest header",
				"image", repo, "reference", reference, "digest", m.HeaderDigest, "error", err)
		}
	}
	return m, nil
}

// GetBlob fetches a blob and verifies it against its digest.
func (c *Client) GetBlob(ctx context.Context, repo string, dgst digest.Digest) ([]byte, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blob digest %q: %w", dgst, err)
	}
	repo = strings.Trim(repo, "/")
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("/v2/%s/blobs/%s", repo, dgst), "", pullScope(repo))
	if err != nil {
		return nil, fmt.Errorf("fetching blob %s: %w", dgst, err)
	}
	body, err := safety.ReadAllWithLimit(resp.Body, maxBlobBytes)
	drainAndClose(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", dgst, err)
	}

	v := dgst.Verifier()
	if _, err := v.Write(body); err != nil {
		return nil, fmt.Errorf("verifying blob %s: %w", dgst, err)
	}
	if !v.Verified() {
		return nil, fmt.Errorf("blob %s failed digest verification", dgst)
	}
	return body, nil
}

// DeleteManifest deletes a manifest by digest. Registries require a digest
// reference here; deleting by tag is not part of the V2 API.
func (c *Client) DeleteManifest(ctx context.Context, repo string, dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("invalid manifest digest %q: %w", dgst, err)
	}
	repo = strings.Trim(repo, "/")
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint("/v2/%s/manifests/%s", repo, dgst),
		"", fmt.Sprintf("repository:%s:delete", repo))
	if err != nil {
		return fmt.Errorf("deleting manifest %s@%s: %w", repo, dgst, err)
	}
	drainAndClose(resp.Body)
	c.logger.Info("deleted manifest", "image", repo, "digest", dgst.String())
	return nil
}

func pullScope(repo string) string {
	return fmt.Sprintf("repository:%s:pull", repo)
}

// getJSON decodes a JSON response into out and returns the absolute URL of
// the next page, empty on the last page.
func (c *Client) getJSON(ctx context.Context, endpoint, scope string, limit int64, out interface{}) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, "application/json", scope)
	if err != nil {
		return "", err
	}
	data, err := safety.ReadAllWithLimit(resp.Body, limit)
	drainAndClose(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	return c.nextLink(resp.Header.Get("Link"), endpoint)
}

func (c *Client) nextLink(header, current string) (string, error) {
	m := linkRegexp.FindStringSubmatch(header)
	if m == nil {
		return "", nil
	}
	ref, err := url.Parse(m[1])
	if err != nil {
		return "", fmt.Errorf("invalid Link header %q: %w", header, err)
	}
	next := c.base.ResolveReference(ref)
	// Keep any path prefix of the base URL for registries mounted below /.
	if ref.Host == "" && !strings.HasPrefix(ref.Path, c.base.Path) {
		next.Path = c.base.Path + ref.Path
	}
	if next.String() == current {
		return "", nil
	}
	return next.String(), nil
}

// do performs a request and returns the 2xx response. Callers close the body.
func (c *Client) do(ctx context.Context, method, endpoint, accept, scope string) (*http.Response, error) {
	authHeader := c.cachedToken(scope)

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		} else if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			challenge := resp.Header.Get("WWW-Authenticate")
			if isBearerChallenge(challenge) {
				drainAndClose(resp.Body)
				token, err := c.fetchBearerToken(ctx, challenge, scope)
				if err != nil {
					return nil, fmt.Errorf("fetching bearer token: %w", err)
				}
				c.storeToken(scope, token)
				authHeader = "Bearer " + token
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			drainAndClose(resp.Body)
			return nil, &StatusError{
				Code:   resp.StatusCode,
				Status: resp.Status,
				Body:   strings.TrimSpace(string(body)),
			}
		}
		return resp, nil
	}

	return nil, fmt.Errorf("registry authentication failed")
}

func (c *Client) cachedToken(scope string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token := c.tokens[scope]; token != "" {
		return "Bearer " + token
	}
	return ""
}

func (c *Client) storeToken(scope, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[scope] = token
}

func isBearerChallenge(challenge string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(challenge)), "bearer ")
}

func (c *Client) fetchBearerToken(ctx context.Context, challenge, scope string) (string, error) {
	params := parseAuthParams(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("bearer challenge missing realm")
	}
	if _, err := safety.ValidateHTTPURL(realm); err != nil {
		return "", fmt.Errorf("invalid token realm: %w", err)
	}

	values := url.Values{}
	if service := params["service"]; service != "" {
		values.Set("service", service)
	}
	tokenScope := params["scope"]
	if tokenScope == "" {
		tokenScope = scope
	}
	if tokenScope != "" {
		values.Set("scope", tokenScope)
	}

	tokenURL := realm
	if encoded := values.Encode(); encoded != "" {
		if strings.Contains(tokenURL, "?") {
			tokenURL += "&" + encoded
		} else {
			tokenURL += "?" + encoded
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing token request: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", fmt.Errorf("token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	data, err := safety.ReadAllWithLimit(resp.Body, maxTokenBodyBytes)
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token response did not include token")
	}
	return token, nil
}

func parseAuthParams(challenge string) map[string]string {
	result := make(map[string]string)
	trimmed := strings.TrimSpace(challenge)
	if isBearerChallenge(trimmed) {
		trimmed = strings.TrimSpace(trimmed[len("bearer "):])
	}
	for _, m := range authParamRegexp.FindAllStringSubmatch(trimmed, -1) {
		if len(m) == 3 {
			result[strings.ToLower(m[1])] = m[2]
		}
	}
	return result
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
