package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbridgehq/chatbridge/internal/metrics"
	"github.com/chatbridgehq/chatbridge/internal/retry"
)

func TestGraphExchanger(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/access_token", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "fb_exchange_token", q.Get("grant_type"))
		assert.Equal(t, "app-1", q.Get("client_id"))
		assert.Equal(t, "secret-1", q.Get("client_secret"))
		assert.Equal(t, "old-token", q.Get("fb_exchange_token"))
		w.Write([]byte(`{"access_token":"new-token","token_type":"bearer","expires_in":5184000}`))
	}))
	defer srv.Close()

	ex := NewGraphExchanger(srv.URL, "app-1", "secret-1", time.Second)
	before := time.Now()
	token, expiry, err := ex.Exchange(context.Background(), "old-token")
	require.NoError(t, err)
	assert.Equal(t, "new-token", token)

	wantExpiry := before.Add(5184000 * time.Second)
	assert.WithinDuration(t, wantExpiry, expiry, 5*time.Second)
}

func TestGraphExchangerDefaultLifetime(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"new-token","token_type":"bearer"}`))
	}))
	defer srv.Close()

	ex := NewGraphExchanger(srv.URL, "app-1", "secret-1", time.Second)
	_, expiry, err := ex.Exchange(context.Background(), "old-token")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(defaultTokenLifetime), expiry, 5*time.Second)
}

func TestGraphExchangerErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid token"}}`))
	}))
	defer srv.Close()

	ex := NewGraphExchanger(srv.URL, "app-1", "secret-1", time.Second)
	_, _, err := ex.Exchange(context.Background(), "old-token")

	var statusErr *retry.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
	assert.False(t, retry.IsTransient(err), "a 400 is permanent")
}

func TestGraphExchangerMissingToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ex := NewGraphExchanger(srv.URL, "app-1", "secret-1", time.Second)
	_, _, err := ex.Exchange(context.Background(), "old-token")
	require.Error(t, err)
}

func TestRefresherCountsOutcomes(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	r := NewRefresher(nil, nil, nil, nil, m, 0)

	r.observe("ok")
	r.observe("ok")
	r.observe("error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("error")))
}
