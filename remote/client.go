package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	apiPrefix = "/api/v1/sync"

	// responses above this are treated as a network failure
	maxBodyLen int64 = 64 << 20
)

// Service is what the policy store needs from the sync server. A false
// second return means the answer is unknown, typically no network.
type Service interface {
	VerifyHash(ctx context.Context, asset string) (string, bool)
	FetchConfig(ctx context.Context) ([]byte, bool)
	FetchLists(ctx context.Context, paths []string) ([]byte, bool)
}

// TokenSource returns the bearer token for the next request; empty means
// the request is sent unauthenticated.
type TokenSource func() string

type Options struct {
	BaseURL    string
	Token      TokenSource
	Timeout    time.Duration
	MaxRetries uint64
	RetryDelay time.Duration

	// nil uses a client with Timeout that does not follow redirects
	HTTPClient *http.Client

	LogPrefix string
	LogDebug  bool
}

type Client struct {
	options *Options
	base    *url.URL
	hc      *http.Client
}

func NewClient(options *Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		err = fmt.Errorf("%s: invalid BaseURL=%s", options.LogPrefix, options.BaseURL)
		log.Printf("%s", err.Error())
		return nil, err
	}

	hc := options.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: options.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	c := &Client{
		options: options,
		base:    base,
		hc:      hc,
	}

	return c, nil
}

// Do performs one logical call, retrying transient outcomes with exponential
// backoff up to MaxRetries times. The last Result is returned either way.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) *Result {
	var result *Result
	attempt := 0

	b := backoff.NewExponentialBackOff()
	if c.options.RetryDelay > 0 {
		b.InitialInterval = c.options.RetryDelay
	}
	b.MaxElapsedTime = 0

	backoff.RetryNotify(
		func() error {
			attempt++
			result = c.once(ctx, method, path, body)
			if result.Transient() {
				return fmt.Errorf("%s %s: %s", method, path, result)
			}
			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(b, c.options.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			log.Printf("%s: attempt %d failed, retrying in %v, err=%s", c.options.LogPrefix, attempt, wait, err.Error())
		},
	)

	if c.options.LogDebug {
		log.Printf("%s: %s %s -> %s after %d attempt(s)", c.options.LogPrefix, method, path, result, attempt)
	}
	return result
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) *Result {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return &Result{Outcome: OutcomeNetworkFailure, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.options.Token != nil {
		token := c.options.Token()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &Result{Outcome: OutcomeNetworkFailure, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyLen+1))
	if err == nil && int64(len(data)) > maxBodyLen {
		err = errors.New("response body too large")
	}
	if err != nil {
		return &Result{StatusCode: resp.StatusCode, Outcome: OutcomeNetworkFailure, Err: err}
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       data,
		Outcome:    OutcomeOf(resp.StatusCode),
	}
}

type hashResponse struct {
	Hash string `json:"hash"`
}

type listsRequest struct {
	Paths []string `json:"paths"`
}

func (c *Client) VerifyHash(ctx context.Context, asset string) (string, bool) {
	result := c.Do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/hash", apiPrefix, url.PathEscape(asset)), nil)
	if !result.OK() {
		log.Printf("%s: hash of %s unknown, result=%s", c.options.LogPrefix, asset, result)
		return "", false
	}

	var resp hashResponse
	err := json.Unmarshal(result.Body, &resp)
	if err != nil || resp.Hash == "" {
		log.Printf("%s: malformed hash response for %s, err=%v", c.options.LogPrefix, asset, err)
		return "", false
	}

	return strings.ToLower(resp.Hash), true
}

func (c *Client) FetchConfig(ctx context.Context) ([]byte, bool) {
	result := c.Do(ctx, http.MethodGet, apiPrefix+"/config", nil)
	if !result.OK() {
		log.Printf("%s: failed to fetch config, result=%s", c.options.LogPrefix, result)
		return nil, false
	}
	return result.Body, true
}

func (c *Client) FetchLists(ctx context.Context, paths []string) ([]byte, bool) {
	body, err := json.Marshal(&listsRequest{Paths: paths})
	if err != nil {
		log.Printf("%s: failed to encode list request, err=%s", c.options.LogPrefix, err.Error())
		return nil, false
	}

	result := c.Do(ctx, http.MethodPost, apiPrefix+"/lists", body)
	if !result.OK() {
		log.Printf("%s: failed to fetch %d list(s), result=%s", c.options.LogPrefix, len(paths), result)
		return nil, false
	}
	return result.Body, true
}
