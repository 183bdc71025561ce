package collyprobe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/verifyd/internal/proxy"
)

func TestNewValidatesURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{URL: "not a url"})
	require.Error(t, err)

	p, err := New(Config{URL: "https://example.com/ip"})
	require.NoError(t, err)
	require.Equal(t, defaultTimeout, p.cfg.Timeout)
}

func TestProbeDirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "verifyd-probe" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, UserAgent: "verifyd-probe", Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, p.Probe(context.Background(), proxy.Direct))
	// Repeat probes must not be skipped as already visited.
	require.NoError(t, p.Probe(context.Background(), proxy.Direct))
}

func TestProbeThroughProxy(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A forward proxy sees the absolute target URL.
		if r.URL.Host != "probe.invalid" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer proxySrv.Close()

	p, err := New(Config{URL: "http://probe.invalid/check", Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, p.Probe(context.Background(), proxySrv.URL))
	require.Equal(t, int32(1), hits.Load())
}

func TestProbeFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	require.Error(t, p.Probe(context.Background(), proxy.Direct))
	require.Error(t, p.Probe(context.Background(), "::not-a-proxy"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()
	ps, err := New(Config{URL: slow.URL, Timeout: time.Second})
	require.NoError(t, err)
	err = ps.Probe(ctx, proxy.Direct)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	p, err := New(Config{URL: "https://example.com"})
	require.NoError(t, err)
	var (
		status   int
		probeErr error
	)
	hooks := &stubHooks{}
	p.configureCollectorHooks(hooks, &status, &probeErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusNoContent})
	require.Equal(t, http.StatusNoContent, status)

	hooks.onError(&colly.Response{StatusCode: http.StatusForbidden}, errors.New("forbidden"))
	require.Equal(t, http.StatusForbidden, status)
	require.EqualError(t, probeErr, "forbidden")
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
