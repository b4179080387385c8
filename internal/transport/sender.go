// Package transport delivers payloads to the GitHub gist that acts as
// the shared sync record. Delivery runs through an ordered chain of
// mechanisms — the native HTTP client, a shell-invoked curl, and a raw
// TLS socket speaking HTTP/1.1 — so a broken local HTTP stack or proxy
// configuration degrades the mechanism, not the sync.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"tabsync/internal/syncerrors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxResponseBytes caps response body reads. Gist payloads carry a
	// base64 zip, so the cap is generous compared to a JSON API.
	maxResponseBytes = 64 << 20
)

// Request is a transport-neutral HTTP request. Every sender in the
// chain must be able to deliver it.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the delivered result. Any HTTP response, including an
// error status, counts as successful delivery; the chain only falls
// through when a mechanism cannot reach the server at all.
type Response struct {
	StatusCode int
	Body       []byte
}

// Sender is one delivery mechanism.
type Sender interface {
	Name() string
	Send(ctx context.Context, req *Request) (*Response, error)
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// httpSender delivers through the standard library HTTP client.
type httpSender struct {
	client *http.Client
}

func newHTTPSender() *httpSender {
	return &httpSender{
		client: &http.Client{
			CheckRedirect: sameHostRedirectPolicy,
		},
	}
}

func (s *httpSender) Name() string { return "native" }

func (s *httpSender) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// curlSender shells out to the system curl binary, sidestepping the Go
// HTTP stack entirely. Useful when the native client is broken by local
// proxy or TLS interception setups that curl is configured around.
type curlSender struct{}

func (s *curlSender) Name() string { return "curl" }

func (s *curlSender) Send(ctx context.Context, req *Request) (*Response, error) {
	out, err := os.CreateTemp("", "tabsync-curl-*")
	if err != nil {
		return nil, fmt.Errorf("creating response file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	args := []string{
		"-sS",
		"-X", req.Method,
		"-o", outPath,
		"-w", "%{http_code}",
	}

	for k, vals := range req.Header {
		for _, v := range vals {
			args = append(args, "-H", k+": "+v)
		}
	}

	if len(req.Body) > 0 {
		args = append(args, "--data-binary", "@-")
	}

	if deadline, ok := ctx.Deadline(); ok {
		secs := int(time.Until(deadline).Seconds())
		if secs < 1 {
			secs = 1
		}

		args = append(args, "--max-time", strconv.Itoa(secs))
	}

	args = append(args, req.URL)

	cmd := exec.CommandContext(ctx, "curl", args...)
	cmd.Stdin = bytes.NewReader(req.Body)

	stdout, err := cmd.Output()
	if err != nil {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("running curl: %w", err)}
	}

	status, err := strconv.Atoi(strings.TrimSpace(string(stdout)))
	if err != nil || status == 0 {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("curl reported no HTTP status (%q)", strings.TrimSpace(string(stdout)))}
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("opening curl response: %w", err)
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading curl response: %w", err)
	}

	return &Response{StatusCode: status, Body: body}, nil
}

// socketSender writes HTTP/1.1 by hand over a raw TLS connection. The
// last resort when both HTTP clients fail for reasons unrelated to the
// network itself.
type socketSender struct{}

func (s *socketSender) Name() string { return "socket" }

func (s *socketSender) Send(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	if u.Scheme != "https" {
		return nil, fmt.Errorf("socket sender requires https, got %q", u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		host += ":443"
	}

	dialer := &tls.Dialer{}

	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("dialing %s: %w", host, err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", req.Method, u.RequestURI())
	fmt.Fprintf(&sb, "Host: %s\r\n", u.Hostname())
	sb.WriteString("Connection: close\r\n")
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(req.Body))

	for k, vals := range req.Header {
		for _, v := range vals {
			fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
		}
	}
	sb.WriteString("\r\n")

	if _, err := io.WriteString(conn, sb.String()); err != nil {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("writing request: %w", err)}
	}
	if _, err := conn.Write(req.Body); err != nil {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("writing request body: %w", err)}
	}

	httpReq, err := http.NewRequest(req.Method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building parse context: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), httpReq)
	if err != nil {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &syncerrors.TransientError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Chain tries each sender in order and returns the first delivered
// response. Exhausting every sender reports ErrTransport.
type Chain struct {
	senders []Sender
	timeout time.Duration
	logger  *slog.Logger
}

// NewChain builds the default delivery chain: native client, curl, raw
// socket. The timeout applies per attempt, not to the chain as a whole.
func NewChain(timeout time.Duration, logger *slog.Logger) *Chain {
	return &Chain{
		senders: []Sender{newHTTPSender(), &curlSender{}, &socketSender{}},
		timeout: timeout,
		logger:  logger,
	}
}

// NewChainWith builds a chain over explicit senders, for tests.
func NewChainWith(timeout time.Duration, logger *slog.Logger, senders ...Sender) *Chain {
	return &Chain{senders: senders, timeout: timeout, logger: logger}
}

// Do delivers the request through the chain.
func (c *Chain) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error

	for _, s := range c.senders {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := s.Send(attemptCtx, req)
		cancel()

		if err == nil {
			c.logger.Debug("request delivered",
				slog.String("sender", s.Name()),
				slog.String("method", req.Method),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		lastErr = err
		c.logger.Warn("sender failed, falling back",
			slog.String("sender", s.Name()),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("delivering %s %s: %v: %w", req.Method, req.URL, lastErr, syncerrors.ErrTransport)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	// Ensure valid UTF-8 and replace control characters.
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
