package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/syncerrors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// fakeSender is a scripted delivery mechanism for chain tests.
type fakeSender struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, req *Request) (*Response, error) {
	f.calls++
	return f.resp, f.err
}

// --- chain fallback ---

func TestChain_FirstSuccessWins(t *testing.T) {
	first := &fakeSender{name: "first", resp: &Response{StatusCode: 200}}
	second := &fakeSender{name: "second", resp: &Response{StatusCode: 200}}

	chain := NewChainWith(time.Second, testLogger(), first, second)

	resp, err := chain.Do(context.Background(), &Request{Method: http.MethodGet, URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)
}

func TestChain_FallsThroughOnFailure(t *testing.T) {
	first := &fakeSender{name: "first", err: errors.New("broken stack")}
	second := &fakeSender{name: "second", err: errors.New("no curl binary")}
	third := &fakeSender{name: "third", resp: &Response{StatusCode: 200, Body: []byte("ok")}}

	chain := NewChainWith(time.Second, testLogger(), first, second, third)

	resp, err := chain.Do(context.Background(), &Request{Method: http.MethodGet, URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 1, third.calls)
}

func TestChain_ErrorStatusIsStillDelivery(t *testing.T) {
	first := &fakeSender{name: "first", resp: &Response{StatusCode: 500}}
	second := &fakeSender{name: "second", resp: &Response{StatusCode: 200}}

	chain := NewChainWith(time.Second, testLogger(), first, second)

	resp, err := chain.Do(context.Background(), &Request{Method: http.MethodGet, URL: "https://example.com"})
	require.NoError(t, err)

	// A 500 reached the server; the chain must not mask it by retrying
	// through another mechanism.
	assert.Equal(t, 500, resp.StatusCode)
	assert.Zero(t, second.calls)
}

func TestChain_ExhaustionIsErrTransport(t *testing.T) {
	first := &fakeSender{name: "first", err: errors.New("down")}
	second := &fakeSender{name: "second", err: errors.New("also down")}

	chain := NewChainWith(time.Second, testLogger(), first, second)

	_, err := chain.Do(context.Background(), &Request{Method: http.MethodGet, URL: "https://example.com"})
	require.ErrorIs(t, err, syncerrors.ErrTransport)
}

// --- native sender ---

func TestHTTPSender_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "token secret", r.Header.Get("Authorization"))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	s := newHTTPSender()

	header := http.Header{}
	header.Set("Authorization", "token secret")

	resp, err := s.Send(context.Background(), &Request{
		Method: http.MethodPatch,
		URL:    server.URL,
		Header: header,
		Body:   []byte(`{"files":{}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestHTTPSender_ConnectionRefusedIsTransient(t *testing.T) {
	s := newHTTPSender()

	// Reserved port with nothing listening.
	_, err := s.Send(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1",
	})
	require.Error(t, err)
	assert.True(t, syncerrors.IsTransient(err))
}

func TestHTTPSender_BlocksCrossHostRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://evil.example.com/", http.StatusFound)
	}))
	defer server.Close()

	s := newHTTPSender()

	_, err := s.Send(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different host blocked")
}

// --- sanitizing ---

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "plain text", sanitizeResponseBody([]byte("plain text")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}

	assert.Len(t, sanitizeResponseBody(long), 256)
}
