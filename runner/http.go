package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// RequestTimeout is the default time allowed for one request, including reading the response.
const RequestTimeout = time.Minute

// NewClient returns the client runners use by default: no connection reuse, since a server may be
// replaced between two requests, and a fixed overall timeout per request.
func NewClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = true
	return &http.Client{Transport: transport, Timeout: timeout}
}

func (r *Runner) get(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	return r.do(req)
}

func (r *Runner) post(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(r.test.Post))
	if err != nil {
		return "", err
	}
	if r.test.ContentType != "" {
		req.Header.Set("Content-Type", r.test.ContentType)
	}
	return r.do(req)
}

func (r *Runner) do(req *http.Request) (string, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", req.URL.Host, err)
	}
	return string(body), nil
}

// normalizePath turns a test file path into a path relative to the server's document root.
func (r *Runner) normalizePath(path string) string {
	path = filepath.ToSlash(path)
	if root := filepath.ToSlash(r.test.Params.DocRoot); root != "" {
		root = strings.TrimSuffix(root, "/")
		if path == root || strings.HasPrefix(path, root+"/") {
			path = path[len(root):]
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// isIOFailure reports whether err means the server did not answer: a timeout, a refused or reset
// connection, or a connection closed before the response was complete. Cancellation by the
// caller is not an I/O failure.
func (r *Runner) isIOFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
