package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"golang.org/x/crypto/bcrypt"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/clinic"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/snapshot"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// Seeded accounts all share SEED_PASSWORD so cmd/simulate can sign in as any of them.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if !cfg.Persistent() {
		log.Fatal("POSTGRES_DSN is required")
	}
	if cfg.BootstrapAdminEmail == "" {
		log.Fatal("BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD are required")
	}

	doctors := getInt("SEED_DOCTORS", 20)
	patients := getInt("SEED_PATIENTS", 500)
	password := getEnv("SEED_PASSWORD", "clinic-demo-password")

	if err := db.Migrate(cfg.PostgresDSN); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()
	store := snapshot.NewPgStore(pool, 0)

	core, err := clinic.New(clinic.Options{
		Hasher:   identity.NewBcryptHasher(bcrypt.DefaultCost),
		Billing:  billing.Config{DefaultConsultationFee: billing.Cents(cfg.DefaultConsultationFee), PaymentTerms: cfg.PaymentTerms},
		Location: cfg.Location,
	})
	if err != nil {
		log.Fatalf("core setup: %v", err)
	}

	restored, err := snapshot.Restore(ctx, core, store)
	if err != nil {
		log.Fatalf("restore snapshot: %v", err)
	}
	log.Printf("existing snapshot restored=%t", restored)

	if _, err := core.Bootstrap(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword); err != nil {
		log.Fatalf("bootstrap administrator: %v", err)
	}
	admin, err := core.Authenticate(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword)
	if err != nil {
		log.Fatalf("sign in as administrator: %v", err)
	}

	if err := seedDoctors(ctx, core, admin, doctors, password); err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(ctx, core, patients, password); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	if err := snapshot.NewSaver(core, store, 0, nil, nil).SaveNow(ctx); err != nil {
		log.Fatalf("save snapshot: %v", err)
	}
	log.Println("seed complete")
}

func seedDoctors(ctx context.Context, core *clinic.Core, admin access.Actor, count int, password string) error {
	log.Printf("seeding %d doctors", count)

	for i := 0; i < count; i++ {
		profile := identity.Profile{
			Name:  "Dr. " + gofakeit.Name(),
			Email: gofakeit.Email(),
			Phone: gofakeit.Phone(),
			Doctor: &identity.DoctorProfile{
				Specialty: specialties[gofakeit.Number(0, len(specialties)-1)],
				WorkingHours: identity.WorkingHours{
					Days:  weekdays,
					Start: "08:00",
					End:   "18:00",
				},
				ConsultationFeeCents: int64(gofakeit.Number(40, 200)) * 100,
			},
		}
		_, err := core.RegisterStaff(ctx, admin, domain.RoleDoctor, profile, password)
		if errors.Is(err, domain.ErrDuplicateIdentity) {
			continue
		}
		if err != nil {
			return err
		}
	}

	log.Println("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, core *clinic.Core, count int, password string) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 100

	for i := 0; i < count; i++ {
		dob := gofakeit.DateRange(time.Now().AddDate(-90, 0, 0), time.Now().AddDate(-1, 0, 0)).UTC().Truncate(24 * time.Hour)
		profile := identity.Profile{
			Name:  gofakeit.Name(),
			Email: gofakeit.Email(),
			Phone: gofakeit.Phone(),
			Patient: &identity.PatientProfile{
				DateOfBirth: &dob,
				Insurance: map[string]string{
					"provider": gofakeit.Company(),
					"member":   gofakeit.Numerify("MBR-########"),
				},
			},
		}
		_, err := core.RegisterPatient(ctx, profile, password)
		if err != nil && !errors.Is(err, domain.ErrDuplicateIdentity) {
			return err
		}
		if (i+1)%batchSize == 0 {
			log.Printf("patients seeded: %d/%d", i+1, count)
		}
	}

	log.Println("patients seeded")
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
