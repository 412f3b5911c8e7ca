// Package hub fetches model files from a Hugging Face compatible hub.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when the hub has no such repo, revision or file.
var ErrNotFound = errors.New("hub: file not found")

// StatusError reports an unexpected HTTP status from the hub.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub: GET %s: unexpected status %d", e.URL, e.Status)
}

// Options configure a Client.
type Options struct {
	Endpoint   string
	Token      string
	Timeout    time.Duration
	RetryCount int
	Logger     zerolog.Logger
}

// Client downloads files via {endpoint}/{repo}/resolve/{revision}/{file}.
type Client struct {
	rc       *resty.Client
	endpoint string
	log      zerolog.Logger
}

// New constructs a Client. A zero Timeout means no client-side timeout, which
// is what multi-gigabyte weight shards need.
func New(opts Options) *Client {
	rc := resty.New().
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("User-Agent", "coderd")
	if opts.Timeout > 0 {
		rc.SetTimeout(opts.Timeout)
	}
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}
	endpoint := strings.TrimRight(opts.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://huggingface.co"
	}
	return &Client{rc: rc, endpoint: endpoint, log: opts.Logger}
}

// FileURL returns the resolve URL for a file.
func (c *Client) FileURL(repo, revision, file string) string {
	if revision == "" {
		revision = "main"
	}
	return c.endpoint + "/" + escapePath(repo) + "/resolve/" + url.PathEscape(revision) + "/" + escapePath(file)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// Open starts downloading a file. The caller must close the returned body.
// size is -1 when the hub does not report Content-Length.
func (c *Client) Open(ctx context.Context, repo, revision, file string) (io.ReadCloser, int64, error) {
	u := c.FileURL(repo, revision, file)
	resp, err := c.rc.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u)
	if err != nil {
		return nil, 0, fmt.Errorf("hub: GET %s: %w", u, err)
	}
	body := resp.RawBody()
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		body.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, u)
	case code < 200 || code > 299:
		body.Close()
		return nil, 0, &StatusError{URL: u, Status: code}
	}
	size := int64(-1)
	if resp.RawResponse != nil {
		size = resp.RawResponse.ContentLength
	}
	c.log.Debug().Str("url", u).Int64("bytes", size).Msg("hub fetch started")
	return body, size, nil
}
