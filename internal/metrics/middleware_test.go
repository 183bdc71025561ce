package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	okCounter := httpRequestsTotal.WithLabelValues("GET", "/healthz", "200")
	missCounter := httpRequestsTotal.WithLabelValues("GET", "/v1/jobs/{job_id}", "404")
	okBefore, missBefore := testutil.ToFloat64(okCounter), testutil.ToFloat64(missCounter)

	for _, path := range []string{"/v1/jobs/17", "/v1/jobs/18", "/healthz"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, missBefore+2, testutil.ToFloat64(missCounter))
	require.Equal(t, okBefore+1, testutil.ToFloat64(okCounter))
	require.Zero(t, testutil.ToFloat64(httpInFlight))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
