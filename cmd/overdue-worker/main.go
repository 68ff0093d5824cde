package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "dev").WithError(err).Fatal("config load error")
	}
	log := logger.New(cfg.LogLevel, cfg.Env)

	if cfg.BootstrapAdminEmail == "" {
		log.Fatal("BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD are required")
	}

	interval := cfg.SnapshotInterval
	if v := os.Getenv("OVERDUE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}
	if interval <= 0 {
		interval = time.Minute
	}

	sw := &sweeper{
		baseURL:  getEnv("OVERDUE_API_BASE_URL", "http://localhost:"+cfg.HTTPPort),
		email:    cfg.BootstrapAdminEmail,
		password: cfg.BootstrapAdminPassword,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
	log.WithField("interval", interval).WithField("api", sw.baseURL).Info("overdue-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run once at startup
	runOnce(rootCtx, sw)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping overdue worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, sw)
		}
	}
}

func runOnce(ctx context.Context, sw *sweeper) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	invoices, err := sw.sweep(runCtx)
	if err != nil {
		sw.log.WithError(err).Error("overdue run error")
		return
	}

	var outstanding billing.Cents
	for _, inv := range invoices {
		outstanding += inv.Balance()
		sw.log.WithField("invoice_id", inv.ID).
			WithField("patient_id", inv.PatientID).
			WithField("balance", inv.Balance().String()).
			WithField("due_at", inv.DueAt).
			Warn("invoice overdue")
	}
	sw.log.WithField("count", len(invoices)).
		WithField("outstanding", outstanding.String()).
		WithField("took", time.Since(start)).
		Info("overdue run complete")
}

// sweeper reads the overdue report through the HTTP API as the administrator.
type sweeper struct {
	baseURL  string
	email    string
	password string
	client   *http.Client
	log      *logger.Logger

	token string
}

func (s *sweeper) sweep(ctx context.Context) ([]billing.Invoice, error) {
	if s.token == "" {
		if err := s.login(ctx); err != nil {
			return nil, err
		}
	}

	invoices, status, err := s.overdue(ctx)
	if status == http.StatusUnauthorized {
		// Session expired or the secret rotated; sign in again once.
		if err := s.login(ctx); err != nil {
			return nil, err
		}
		invoices, _, err = s.overdue(ctx)
	}
	return invoices, err
}

func (s *sweeper) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"email": s.email, "password": s.password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("login: decode: %w", err)
	}
	s.token = out.Token
	return nil
}

func (s *sweeper) overdue(ctx context.Context) ([]billing.Invoice, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/reports/overdue", nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("overdue report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("overdue report: status %d", resp.StatusCode)
	}

	var invoices []billing.Invoice
	if err := json.NewDecoder(resp.Body).Decode(&invoices); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("overdue report: decode: %w", err)
	}
	return invoices, resp.StatusCode, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
