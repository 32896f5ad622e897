package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/db"
	"github.com/hackgods/telehealth-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	HotSlots     int // contended slots every worker aims at
	RaceRounds   int
	ConfirmRatio float64
	CancelRatio  float64
	SlotLimit    int
	PostgresDSN  string
}

type slotRef struct {
	DoctorID uuid.UUID
	ClinicID *uuid.UUID
	Type     string
	Start    time.Time
	End      time.Time
}

type DataPool struct {
	Slots []slotRef

	mu   sync.Mutex
	held []uuid.UUID
}

func (dp *DataPool) AddHeld(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.held = append(dp.held, id)
}

// TakeHeld pops a random held appointment.
func (dp *DataPool) TakeHeld(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.held) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.held))
	id := dp.held[idx]
	dp.held[idx] = dp.held[len(dp.held)-1]
	dp.held = dp.held[:len(dp.held)-1]
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}
	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Hold    OperationMetrics
	Confirm OperationMetrics
	Cancel  OperationMetrics
	Read    OperationMetrics
}

type raceResult struct {
	Winners   int
	Conflicts int
	Errors    int
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
	races   []raceResult
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		boot := logging.New("error", false)
		boot.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(baseCfg.LogLevel, false).With().Str("service", "simulate").Logger()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("hot_slots", cfg.HotSlots).
		Int("race_rounds", cfg.RaceRounds).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(baseCfg.PostgresMaxConn), ApplicationName: "simulate"})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("slots", len(dataPool.Slots)).Msg("loaded open slots")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.RunRaces()
	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	return SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:"+base.HTTPPort),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		HotSlots:     getInt("SIM_HOT_SLOTS", 10),
		RaceRounds:   getInt("SIM_RACE_ROUNDS", 5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.6),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 2000),
		PostgresDSN:  base.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 {
		return fmt.Errorf("SIM_HOT_SLOTS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT doctor_id, clinic_id, type, start_at, end_at
		FROM slots
		WHERE blocked = false AND start_at > now()
		ORDER BY start_at
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	dp := &DataPool{}
	for rows.Next() {
		var s slotRef
		if err := rows.Scan(&s.DoctorID, &s.ClinicID, &s.Type, &s.Start, &s.End); err != nil {
			return nil, err
		}
		dp.Slots = append(dp.Slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dp.Slots) <= cfg.RaceRounds {
		return nil, fmt.Errorf("need more than %d open slots, found %d", cfg.RaceRounds, len(dp.Slots))
	}
	return dp, nil
}

// RunRaces fires every worker at the same slot at once. Exactly one hold
// should win each round.
func (s *Simulator) RunRaces() {
	for round := 0; round < s.config.RaceRounds; round++ {
		slot := s.pool.Slots[len(s.pool.Slots)-1-round]

		var (
			wg      sync.WaitGroup
			start   = make(chan struct{})
			results raceResult
			mu      sync.Mutex
		)
		for i := 0; i < s.config.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				status, _, err := s.hold(context.Background(), slot)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil && status == http.StatusCreated:
					results.Winners++
				case err == nil && status == http.StatusConflict:
					results.Conflicts++
				default:
					results.Errors++
				}
			}()
		}
		close(start)
		wg.Wait()

		s.races = append(s.races, results)
		evt := s.logger.Info()
		if results.Winners != 1 {
			evt = s.logger.Error()
		}
		evt.Int("round", round+1).
			Int("winners", results.Winners).
			Int("conflicts", results.Conflicts).
			Int("errors", results.Errors).
			Msg("race round finished")
	}
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Msg("starting mixed load")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	hot := min(s.config.HotSlots, len(s.pool.Slots)-s.config.RaceRounds)

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.ConfirmRatio:
			s.doConfirm(ctx, rng)
		case r < s.config.ConfirmRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			slot := s.pool.Slots[rng.Intn(hot)]
			if rng.Intn(4) == 0 {
				slot = s.pool.Slots[rng.Intn(len(s.pool.Slots)-s.config.RaceRounds)]
			}
			s.doHold(ctx, slot)
		}
	}
}

func (s *Simulator) hold(ctx context.Context, slot slotRef) (int, uuid.UUID, error) {
	body := map[string]any{
		"doctorId": slot.DoctorID.String(),
		"type":     slot.Type,
		"start":    slot.Start,
		"end":      slot.End,
		"patient": map[string]string{
			"name":  gofakeit.Name(),
			"email": gofakeit.Email(),
		},
	}
	if slot.ClinicID != nil {
		body["clinicId"] = slot.ClinicID.String()
	}

	var out struct {
		AppointmentID uuid.UUID `json:"appointmentId"`
	}
	status, err := s.post(ctx, "/appointments/hold", body, &out)
	return status, out.AppointmentID, err
}

func (s *Simulator) doHold(ctx context.Context, slot slotRef) {
	start := time.Now()
	status, id, err := s.hold(ctx, slot)
	s.metrics.Hold.Record(time.Since(start), status, err)
	if err == nil && status == http.StatusCreated && id != uuid.Nil {
		s.pool.AddHeld(id)
	}
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.TakeHeld(rng)
	if !ok {
		return
	}
	body := map[string]any{
		"payment": map[string]any{
			"status":   "paid",
			"amount":   gofakeit.Price(50, 300),
			"currency": "USD",
			"gateway":  "sim",
			"intentId": "pi_" + gofakeit.LetterN(16),
		},
	}

	start := time.Now()
	status, err := s.post(ctx, "/appointments/"+id.String()+"/confirm", body, nil)
	s.metrics.Confirm.Record(time.Since(start), status, err)

	if err == nil && status == http.StatusOK {
		start = time.Now()
		status, err = s.get(ctx, "/appointments/"+id.String())
		s.metrics.Read.Record(time.Since(start), status, err)
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.TakeHeld(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, err := s.post(ctx, "/appointments/"+id.String()+"/cancel", map[string]string{"reason": "simulated"}, nil)
	s.metrics.Cancel.Record(time.Since(start), status, err)
}

func (s *Simulator) post(ctx context.Context, path string, body any, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) get(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	if len(s.races) > 0 {
		fmt.Println("Races:")
		bad := 0
		for i, r := range s.races {
			fmt.Printf("  round %d: winners=%d conflicts=%d errors=%d\n", i+1, r.Winners, r.Conflicts, r.Errors)
			if r.Winners != 1 {
				bad++
			}
		}
		if bad > 0 {
			fmt.Printf("  %d round(s) did not have exactly one winner\n", bad)
		}
		fmt.Println()
	}

	printOperationReport("Hold", &s.metrics.Hold)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.Read)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
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
