package repository

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	log "github.com/sirupsen/logrus"

	"drift/metadata"
)

const userAgent = "drift/1"

// HTTPOptions tunes the HTTP repository client.
type HTTPOptions struct {
	// Optional HTTP basic credentials, injected on every request.
	Username string
	Password string
	// Per-request connect timeout.
	ConnectTimeout time.Duration
	// Abort a package stream after this long without progress.
	ReadIdleTimeout time.Duration
	// Retry budget for idempotent GETs.
	MaxAttempts uint64
}

func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		ConnectTimeout:  10 * time.Second,
		ReadIdleTimeout: 60 * time.Second,
		MaxAttempts:     5,
	}
}

// HTTPRepository fetches repository documents and package bytes over HTTP(S).
// Authenticity relies on the transport's TLS; the client only injects optional
// basic credentials.
type HTTPRepository struct {
	base   *url.URL
	client *http.Client
	opts   HTTPOptions
}

var _ Repository = (*HTTPRepository)(nil)

func NewHTTP(baseURL string, opts HTTPOptions) (*HTTPRepository, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid repository url: %w", err)
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: opts.ConnectTimeout,
	}
	return &HTTPRepository{
		base:   base,
		client: &http.Client{Transport: transport},
		opts:   opts,
	}, nil
}

func (r *HTTPRepository) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *HTTPRepository) newRequest(ctx context.Context, name string) (*http.Request, error) {
	u, err := r.base.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("invalid repository path %q: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if r.opts.Username != "" {
		req.SetBasicAuth(r.opts.Username, r.opts.Password)
	}
	return req, nil
}

func (r *HTTPRepository) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	attempts := r.opts.MaxAttempts
	if attempts == 0 {
		attempts = DefaultHTTPOptions().MaxAttempts
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx)
}

// retryableStatus reports whether a GET may be reissued for this status.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// fetch GETs a small document with the retry budget applied.
func (r *HTTPRepository) fetch(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	err := backoff.Retry(func() error {
		req, err := r.newRequest(ctx, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return &NetworkError{Op: "GET", Target: name, Retryable: true, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := &NetworkError{
				Op:        "GET",
				Target:    name,
				Retryable: retryableStatus(resp.StatusCode),
				Err:       fmt.Errorf("unexpected status %s", resp.Status),
			}
			if !err.Retryable {
				return backoff.Permanent(err)
			}
			return err
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return &NetworkError{Op: "GET", Target: name, Retryable: true, Err: err}
		}
		return nil
	}, r.backOff(ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (r *HTTPRepository) CurrentVersion(ctx context.Context) (*metadata.Current, error) {
	body, err := r.fetch(ctx, metadata.CurrentName)
	if err != nil {
		return nil, err
	}
	return metadata.ParseCurrent(body)
}

func (r *HTTPRepository) Versions(ctx context.Context) (*metadata.Versions, error) {
	body, err := r.fetch(ctx, metadata.VersionsName)
	if err != nil {
		return nil, err
	}
	return metadata.ParseVersions(body)
}

func (r *HTTPRepository) Packages(ctx context.Context) (*metadata.Packages, error) {
	body, err := r.fetch(ctx, metadata.PackagesName)
	if err != nil {
		return nil, err
	}
	return metadata.ParsePackages(body)
}

func (r *HTTPRepository) PackageMetadata(ctx context.Context, pkg *metadata.Package) (*metadata.PackageMetadata, error) {
	name := pkg.MetadataName()
	body, err := r.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	return metadata.ParsePackageMetadata(name, body)
}

func (r *HTTPRepository) OpenPackage(ctx context.Context, dataName string, offset, length uint64) (io.ReadCloser, error) {
	req, err := r.newRequest(ctx, dataName)
	if err != nil {
		return nil, err
	}
	ranged := offset > 0 || length > 0
	if ranged {
		if length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}

	// The body must outlive this call, so the request runs under its own
	// cancelable context driven by the idle timer.
	streamCtx, cancel := context.WithCancel(ctx)
	req = req.WithContext(streamCtx)

	resp, err := r.client.Do(req)
	if err != nil {
		cancel()
		return nil, &NetworkError{Op: "GET", Target: dataName, Retryable: true, Err: err}
	}

	var body io.ReadCloser
	switch {
	case ranged && resp.StatusCode == http.StatusPartialContent:
		body = resp.Body
	case resp.StatusCode == http.StatusOK:
		if !ranged {
			body = resp.Body
			break
		}
		// Server ignored the range; fall back to the full package and discard
		// the prefix.
		log.Warnf("repository ignored range request for %s, falling back to full download", dataName)
		if _, err := io.CopyN(io.Discard, resp.Body, int64(offset)); err != nil {
			resp.Body.Close()
			cancel()
			return nil, &NetworkError{Op: "GET", Target: dataName, Retryable: true, Err: err}
		}
		if length > 0 {
			body = &limitedBody{Reader: io.LimitReader(resp.Body, int64(length)), closer: resp.Body}
		} else {
			body = resp.Body
		}
	default:
		status := resp.Status
		resp.Body.Close()
		cancel()
		return nil, &NetworkError{
			Op:        "GET",
			Target:    dataName,
			Retryable: retryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("unexpected status %s", status),
		}
	}

	idle := r.opts.ReadIdleTimeout
	if idle <= 0 {
		idle = DefaultHTTPOptions().ReadIdleTimeout
	}
	return newIdleTimeoutBody(body, idle, cancel), nil
}

type limitedBody struct {
	io.Reader
	closer io.Closer
}

func (l *limitedBody) Close() error {
	return l.closer.Close()
}

// idleTimeoutBody cancels the underlying request when no bytes arrive for a
// full timeout window.
type idleTimeoutBody struct {
	body   io.ReadCloser
	timer  *time.Timer
	idle   time.Duration
	cancel context.CancelFunc
}

func newIdleTimeoutBody(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, idle: idle, cancel: cancel}
	b.timer = time.AfterFunc(idle, cancel)
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	err := b.body.Close()
	b.cancel()
	return err
}
