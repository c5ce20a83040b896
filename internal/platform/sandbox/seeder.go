// Package sandbox seeds demo doctors and their weekly availability for
// development and demo environments. Output is reproducible for a given seed,
// and re-running a seed skips doctors that already exist.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/medweb/medweb/internal/domain/scheduling"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls how many doctors are generated.
type SeedConfig struct {
	// IncludeDemoDoctor adds the fixed dr_smith profile.
	IncludeDemoDoctor bool  `json:"includeDemoDoctor" query:"includeDemoDoctor"`
	DoctorCount       int   `json:"doctorCount" query:"doctorCount"`
	Seed              int64 `json:"seed" query:"seed"`
}

// DefaultSeedConfig seeds the demo doctor plus a handful of generated ones.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{IncludeDemoDoctor: true, DoctorCount: 5, Seed: 1}
}

// DemoDoctorID is stable so that seeding twice finds the same profile.
var DemoDoctorID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("medweb:doctor:dr_smith"))

// SeedResult summarizes a seed run.
type SeedResult struct {
	Doctors  int           `json:"doctors"`
	Windows  int           `json:"windows"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// DoctorPlan is one doctor with the weekly windows to create for it.
type DoctorPlan struct {
	Doctor  *scheduling.Doctor               `json:"doctor"`
	Windows []*scheduling.AvailabilityWindow `json:"windows"`
}

// ---------------------------------------------------------------------------
// Name and specialty pools
// ---------------------------------------------------------------------------

var (
	givenNames     = []string{"Aisha", "Ben", "Carmen", "David", "Elena", "Farid", "Grace", "Hiro", "Ines", "Jonas", "Keiko", "Liam", "Maya", "Noor", "Omar", "Priya"}
	familyNames    = []string{"Adeyemi", "Brooks", "Costa", "Dubois", "Evans", "Fischer", "Gupta", "Haddad", "Ito", "Jensen", "Kowalski", "Larsen", "Moreau", "Nakamura", "Okafor", "Patel"}
	specialties    = []string{"General Physician", "Cardiology", "Dermatology", "Pediatrics", "Neurology", "Orthopedics", "Psychiatry", "Gynecology", "ENT"}
	slotLengths    = []int{0, 0, 0, 15, 20, 45, 60}
	morningBlock   = [2]scheduling.ClockTime{scheduling.NewClockTime(9, 0), scheduling.NewClockTime(12, 0)}
	afternoonBlock = [2]scheduling.ClockTime{scheduling.NewClockTime(14, 0), scheduling.NewClockTime(17, 0)}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic doctor profiles and schedules.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// GenerateDoctor produces an available doctor with a plausible fee and rating.
func (g *DataGenerator) GenerateDoctor() *scheduling.Doctor {
	var id uuid.UUID
	g.rng.Read(id[:])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80

	return &scheduling.Doctor{
		ID:              id,
		DisplayName:     fmt.Sprintf("Dr. %s %s", g.pick(givenNames), g.pick(familyNames)),
		Specialization:  g.pick(specialties),
		ExperienceYears: 1 + g.rng.Intn(30),
		ConsultationFee: decimal.NewFromInt(int64(50 + 10*g.rng.Intn(26))).Round(2),
		Rating:          decimal.NewFromInt(int64(350 + g.rng.Intn(151))).Shift(-2),
		Bio:             "Generated demo profile.",
		Available:       true,
		SlotMinutes:     slotLengths[g.rng.Intn(len(slotLengths))],
	}
}

// GenerateWeek opens a morning and/or afternoon block on each weekday. Every
// working day gets at least one block; weekends stay closed.
func (g *DataGenerator) GenerateWeek(doctorID uuid.UUID) []*scheduling.AvailabilityWindow {
	var windows []*scheduling.AvailabilityWindow
	for day := 0; day < 5; day++ {
		switch g.rng.Intn(3) {
		case 0:
			windows = append(windows, window(doctorID, day, morningBlock))
		case 1:
			windows = append(windows, window(doctorID, day, afternoonBlock))
		default:
			windows = append(windows, window(doctorID, day, morningBlock), window(doctorID, day, afternoonBlock))
		}
	}
	return windows
}

func window(doctorID uuid.UUID, weekday int, block [2]scheduling.ClockTime) *scheduling.AvailabilityWindow {
	return &scheduling.AvailabilityWindow{
		ID:          uuid.New(),
		DoctorID:    doctorID,
		Weekday:     weekday,
		StartTime:   block[0],
		EndTime:     block[1],
		IsAvailable: true,
	}
}

// DemoDoctor is dr_smith: a general physician with ten years of experience,
// open Monday to Friday 09:00-12:00 and 14:00-17:00.
func DemoDoctor() DoctorPlan {
	doc := &scheduling.Doctor{
		ID:              DemoDoctorID,
		DisplayName:     "Dr. John Smith",
		Specialization:  "General Physician",
		ExperienceYears: 10,
		ConsultationFee: decimal.RequireFromString("150.00"),
		Rating:          decimal.RequireFromString("4.50"),
		Available:       true,
	}
	plan := DoctorPlan{Doctor: doc}
	for day := 0; day < 5; day++ {
		plan.Windows = append(plan.Windows, window(doc.ID, day, morningBlock), window(doc.ID, day, afternoonBlock))
	}
	return plan
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// DoctorStore and WindowStore are the slices of the scheduling repositories
// the seeder writes through.
type DoctorStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*scheduling.Doctor, error)
	Create(ctx context.Context, d *scheduling.Doctor) error
}

type WindowStore interface {
	Create(ctx context.Context, w *scheduling.AvailabilityWindow) error
}

// Seeder writes planned doctors and windows, one transaction per doctor.
type Seeder struct {
	doctors DoctorStore
	windows WindowStore
	tx      scheduling.Transactor
	logger  zerolog.Logger
}

func NewSeeder(doctors DoctorStore, windows WindowStore, tx scheduling.Transactor, logger zerolog.Logger) *Seeder {
	return &Seeder{doctors: doctors, windows: windows, tx: tx, logger: logger}
}

// Plan lists what Seed would write for config, without touching storage.
func Plan(config SeedConfig) []DoctorPlan {
	var plans []DoctorPlan
	if config.IncludeDemoDoctor {
		plans = append(plans, DemoDoctor())
	}
	g := NewDataGenerator(config.Seed)
	for i := 0; i < config.DoctorCount; i++ {
		doc := g.GenerateDoctor()
		plans = append(plans, DoctorPlan{Doctor: doc, Windows: g.GenerateWeek(doc.ID)})
	}
	return plans
}

// Seed writes the plan for config. Doctors that already exist are left
// untouched, windows included.
func (s *Seeder) Seed(ctx context.Context, config SeedConfig) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	for _, p := range Plan(config) {
		created := false
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			_, err := s.doctors.GetByID(ctx, p.Doctor.ID)
			if err == nil {
				return nil
			}
			if !errors.Is(err, scheduling.ErrDoctorNotFound) {
				return err
			}
			if err := s.doctors.Create(ctx, p.Doctor); err != nil {
				return fmt.Errorf("create doctor %s: %w", p.Doctor.DisplayName, err)
			}
			for _, w := range p.Windows {
				if err := s.windows.Create(ctx, w); err != nil {
					return fmt.Errorf("create window for %s: %w", p.Doctor.DisplayName, err)
				}
			}
			created = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !created {
			result.Skipped++
			s.logger.Info().Str("doctor_id", p.Doctor.ID.String()).Str("name", p.Doctor.DisplayName).Msg("doctor already exists, skipped")
			continue
		}
		result.Doctors++
		result.Windows += len(p.Windows)
		s.logger.Info().
			Str("doctor_id", p.Doctor.ID.String()).
			Str("name", p.Doctor.DisplayName).
			Str("specialization", p.Doctor.Specialization).
			Int("windows", len(p.Windows)).
			Msg("doctor seeded")
	}

	result.Duration = time.Since(start)
	return result, nil
}

// ExportNDJSON writes each plan as one JSON line.
func ExportNDJSON(w io.Writer, plans []DoctorPlan) error {
	enc := json.NewEncoder(w)
	for _, p := range plans {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encoding doctor %s: %w", p.Doctor.ID, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SeedHandler: Echo HTTP handlers
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding over HTTP in development.
type SeedHandler struct {
	seeder *Seeder
	mu     sync.Mutex
}

func NewSeedHandler(seeder *Seeder) *SeedHandler {
	return &SeedHandler{seeder: seeder}
}

// RegisterRoutes registers sandbox routes on the given Echo group.
func (h *SeedHandler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.POST("/seed", h.handleSeed, m...)
	g.GET("/plan", h.handlePlan, m...)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if cfg.DoctorCount < 0 || cfg.DoctorCount > 100 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "doctorCount must be between 0 and 100"})
	}

	result, err := h.seeder.Seed(c.Request().Context(), cfg)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

func (h *SeedHandler) handlePlan(c echo.Context) error {
	cfg := DefaultSeedConfig()
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if cfg.DoctorCount < 0 || cfg.DoctorCount > 100 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "doctorCount must be between 0 and 100"})
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	return ExportNDJSON(c.Response().Writer, Plan(cfg))
}
