package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/clinic-scheduling/internal/config"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	ConfirmRatio  float64
	CompleteRatio float64
	CancelRatio   float64
	ReadRatio     float64
	PatientLimit  int
	AdminEmail    string
	AdminPassword string
	SeedPassword  string
}

type account struct {
	ID    int64
	Token string
}

type booking struct {
	ID        int64
	PatientID int64
	DoctorID  int64
}

type DataPool struct {
	Patients  []account
	Doctors   map[int64]account
	doctorIDs []int64

	mu           sync.RWMutex
	appointments []booking
}

func (dp *DataPool) AddAppointment(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booking, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booking{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

func (dp *DataPool) patientToken(id int64) string {
	for _, p := range dp.Patients {
		if p.ID == id {
			return p.Token
		}
	}
	return ""
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	lo = latencies[0]
	hi = latencies[len(latencies)-1]
	p50 = latencies[min(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, lo, hi, p50, p95
}

type Metrics struct {
	Booking  OperationMetrics
	Confirm  OperationMetrics
	Complete OperationMetrics
	Cancel   OperationMetrics
	ReadByID OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f confirm=%.2f complete=%.2f cancel=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.ConfirmRatio, cfg.CompleteRatio, cfg.CancelRatio, cfg.ReadRatio)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dataPool, err := sim.loadDataPool(ctx)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	sim.pool = dataPool
	log.Printf("signed in: %d patients, %d doctors", len(dataPool.Patients), len(dataPool.Doctors))

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:"+baseCfg.HTTPPort),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		BookingRatio:  getFloat("SIM_BOOKING_RATIO", 0.4),
		ConfirmRatio:  getFloat("SIM_CONFIRM_RATIO", 0.2),
		CompleteRatio: getFloat("SIM_COMPLETE_RATIO", 0.1),
		CancelRatio:   getFloat("SIM_CANCEL_RATIO", 0.05),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.25),
		PatientLimit:  getInt("SIM_PATIENT_LIMIT", 50),
		AdminEmail:    baseCfg.BootstrapAdminEmail,
		AdminPassword: baseCfg.BootstrapAdminPassword,
		SeedPassword:  getEnv("SEED_PASSWORD", "clinic-demo-password"),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.CompleteRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.CompleteRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return fmt.Errorf("BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD are required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

type person struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// loadDataPool lists seeded people as the administrator and signs in as each of them.
func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	admin, err := s.login(ctx, s.config.AdminEmail, s.config.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("admin login: %w", err)
	}

	var doctors, patients []person
	if err := s.getJSON(ctx, admin.Token, "/doctors", &doctors); err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	if err := s.getJSON(ctx, admin.Token, "/patients", &patients); err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}

	dp := &DataPool{Doctors: make(map[int64]account)}
	for _, d := range doctors {
		acc, err := s.login(ctx, d.Email, s.config.SeedPassword)
		if err != nil {
			continue
		}
		dp.Doctors[acc.ID] = acc
		dp.doctorIDs = append(dp.doctorIDs, acc.ID)
	}
	for _, p := range patients {
		if len(dp.Patients) >= s.config.PatientLimit {
			break
		}
		acc, err := s.login(ctx, p.Email, s.config.SeedPassword)
		if err != nil {
			continue
		}
		dp.Patients = append(dp.Patients, acc)
	}

	if len(dp.Patients) == 0 {
		return nil, fmt.Errorf("no patients signed in, run cmd/seed first")
	}
	if len(dp.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors signed in, run cmd/seed first")
	}
	return dp, nil
}

func (s *Simulator) login(ctx context.Context, email, password string) (account, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := s.send(ctx, http.MethodPost, "/sessions", "", body)
	if err != nil {
		return account{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return account{}, fmt.Errorf("login %s: status %d", email, resp.StatusCode)
	}
	var out struct {
		Token    string `json:"token"`
		PersonID int64  `json:"person_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return account{}, err
	}
	return account{ID: out.PersonID, Token: out.Token}, nil
}

func (s *Simulator) getJSON(ctx context.Context, token, path string, v any) error {
	resp, err := s.send(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (s *Simulator) send(ctx context.Context, method, path, token string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.client.Do(req)
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < c.BookingRatio:
				s.doBooking(ctx, rng)
			case r < c.BookingRatio+c.ConfirmRatio:
				s.doConfirm(ctx, rng)
			case r < c.BookingRatio+c.ConfirmRatio+c.CompleteRatio:
				s.doComplete(ctx, rng)
			case r < c.BookingRatio+c.ConfirmRatio+c.CompleteRatio+c.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				s.doReadByID(ctx, rng)
			}
		}
	}
}

// randomSlot picks a half-hour slot inside seeded working hours within the next four weeks.
func randomSlot(rng *rand.Rand) time.Time {
	day := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 1+rng.Intn(28))
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return day.Add(8*time.Hour + time.Duration(rng.Intn(20))*30*time.Minute)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctorID := s.pool.doctorIDs[rng.Intn(len(s.pool.doctorIDs))]

	body, _ := json.Marshal(map[string]any{
		"doctor_id":        doctorID,
		"start":            randomSlot(rng),
		"duration_minutes": 30,
	})

	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, "/appointments", patient.Token, body)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var appt struct {
				ID int64 `json:"id"`
			}
			if json.NewDecoder(resp.Body).Decode(&appt) == nil && appt.ID != 0 {
				s.pool.AddAppointment(booking{ID: appt.ID, PatientID: patient.ID, DoctorID: doctorID})
			}
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	s.transition(ctx, &s.metrics.Confirm, s.pool.Doctors[b.DoctorID].Token, b.ID, "confirm", nil)
}

func (s *Simulator) doComplete(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"diagnosis": gofakeit.Word(),
		"notes":     gofakeit.Sentence(8),
	})
	s.transition(ctx, &s.metrics.Complete, s.pool.Doctors[b.DoctorID].Token, b.ID, "complete", body)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	body, _ := json.Marshal(map[string]string{"reason": gofakeit.Sentence(4)})
	s.transition(ctx, &s.metrics.Cancel, s.pool.patientToken(b.PatientID), b.ID, "cancel", body)
}

func (s *Simulator) transition(ctx context.Context, om *OperationMetrics, token string, id int64, action string, body []byte) {
	start := time.Now()
	resp, err := s.send(ctx, http.MethodPost, fmt.Sprintf("/appointments/%d/%s", id, action), token, body)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}
	om.Record(latency, success, conflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.send(ctx, http.MethodGet, fmt.Sprintf("/appointments/%d", b.ID), s.pool.patientToken(b.PatientID), nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.ReadByID.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
