package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

func fakeAPI(t *testing.T, logins *int32, acceptToken func() string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(logins, 1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "token-" + string(rune('0'+n))})
	})
	mux.HandleFunc("GET /reports/overdue", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+acceptToken() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]billing.Invoice{
			{ID: 1, PatientID: 7, Total: 5000, Paid: 1000, Status: billing.StatusPending},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newSweeper(url string) *sweeper {
	return &sweeper{
		baseURL:  url,
		email:    "admin@clinic.test",
		password: "admin-password",
		client:   http.DefaultClient,
		log:      logger.New("error", "dev"),
	}
}

func TestSweepSignsInAndReadsReport(t *testing.T) {
	var logins int32
	srv := fakeAPI(t, &logins, func() string { return "token-1" })
	sw := newSweeper(srv.URL)

	invoices, err := sw.sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, billing.Cents(4000), invoices[0].Balance())

	_, err = sw.sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins), "session is reused")
}

func TestSweepSignsInAgainOnUnauthorized(t *testing.T) {
	var logins int32
	srv := fakeAPI(t, &logins, func() string { return "token-2" })
	sw := newSweeper(srv.URL)

	invoices, err := sw.sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
}

func TestSweepReportsLoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := newSweeper(srv.URL).sweep(context.Background())
	assert.ErrorContains(t, err, "status 401")
}
