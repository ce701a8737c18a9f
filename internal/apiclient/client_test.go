package apiclient

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"quizflow-service/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTLSServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	roots := srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
	client := New(Options{
		Timeout:      time.Second,
		MaxBodyBytes: 1024,
		MaxRedirects: 2,
		TLSConfig:    &tls.Config{RootCAs: roots},
	})
	return srv, client
}

func TestExecuteSuccess(t *testing.T) {
	srv, client := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "abc", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp": 21}`))
	})

	resp, err := client.Execute(context.Background(), Request{
		URL: srv.URL + "/v1",
		Header: http.Header{
			"X-Forwarded-For": {"10.0.0.1"},
			"X-Api-Key":       {"abc"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"temp": 21}`, string(resp.Body))
}

func TestRedirectsAreNotFollowedWithoutChecker(t *testing.T) {
	srv, client := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	resp, err := client.Execute(context.Background(), Request{URL: srv.URL + "/start"})
	require.ErrorIs(t, err, ErrNonSuccessStatus)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.False(t, Retryable(err))
}

func TestRedirectFollowedOnlyAfterCheck(t *testing.T) {
	srv, client := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusTemporaryRedirect)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	})

	var checked []string
	resp, err := client.Execute(context.Background(), Request{
		URL: srv.URL + "/start",
		CheckRedirect: func(_ context.Context, u *url.URL) error {
			checked = append(checked, u.Path)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/final"}, checked)
	assert.Equal(t, srv.URL+"/final", resp.URL)

	_, err = client.Execute(context.Background(), Request{
		URL: srv.URL + "/start",
		CheckRedirect: func(context.Context, *url.URL) error {
			return &safety.BlockedError{Stage: safety.StageRedirect, Reason: "test"}
		},
	})
	assert.ErrorIs(t, err, safety.ErrBlocked)
}

func TestTooLarge(t *testing.T) {
	srv, client := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/declared" {
			w.Header().Set("Content-Length", "4096")
			_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
			return
		}
		// No Content-Length: the limit must trip while reading.
		for i := 0; i < 8; i++ {
			_, _ = w.Write([]byte(strings.Repeat("y", 512)))
			w.(http.Flusher).Flush()
		}
	})

	_, err := client.Execute(context.Background(), Request{URL: srv.URL + "/declared"})
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = client.Execute(context.Background(), Request{URL: srv.URL + "/streamed"})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, Retryable(err))
}

func TestTimeout(t *testing.T) {
	srv, client := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	_, err := client.Execute(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, Retryable(err))
	assert.NotContains(t, err.Error(), "127.0.0.1")
}

func TestStatusErrors(t *testing.T) {
	srv, client := newTLSServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.Execute(context.Background(), Request{URL: srv.URL})
	require.ErrorIs(t, err, ErrNonSuccessStatus)
	assert.True(t, Retryable(err))
}

func TestConnectionFailures(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL

	// Unknown certificate authority: verification is always on.
	untrusted := New(Options{Timeout: time.Second})
	_, err := untrusted.Execute(context.Background(), Request{URL: target})
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.NotContains(t, err.Error(), "certificate")

	srv.Close()
	_, err = untrusted.Execute(context.Background(), Request{URL: target})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestDialControlBlocksLoopback(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request reached the server")
	}))
	defer srv.Close()

	client := New(Options{Timeout: time.Second, Control: safety.DialControl})
	_, err := client.Execute(context.Background(), Request{URL: srv.URL})
	var be *safety.BlockedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, safety.StageDNS, be.Stage)
}
