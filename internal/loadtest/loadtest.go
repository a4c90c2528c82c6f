// Package loadtest drives refresh storms against a backend to check the
// stale-sync protocol under concurrency.
//
// Many agents share one store and action module and call Sync as fast as
// they can. Whatever the interleaving, every response must be counted as
// applied, stale or failed exactly once, the loader must end idle and the
// store must hold the backend's state.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/consolesync/internal/action"
	"github.com/steveyegge/consolesync/internal/dispatcher"
	"github.com/steveyegge/consolesync/internal/loader"
	"github.com/steveyegge/consolesync/internal/mockserver"
	"github.com/steveyegge/consolesync/internal/models"
	"github.com/steveyegge/consolesync/internal/scheduler"
	"github.com/steveyegge/consolesync/internal/store"
	"github.com/steveyegge/consolesync/internal/transport"
)

// Config holds load test configuration.
type Config struct {
	// Requester performs backend calls. Required.
	Requester transport.Requester

	// Entity to sync (default: users)
	Entity string

	// Agents is the number of concurrent callers (default: 10)
	Agents int

	// SyncsPerAgent is the number of Sync calls each agent makes (default: 10)
	SyncsPerAgent int

	// PageCount is the store page size (default: 50)
	PageCount int

	// Logger for test activity (default: stderr logger)
	Logger *log.Logger
}

// LatencyStats captures Sync latencies.
type LatencyStats struct {
	Min       time.Duration   `json:"min"`
	Max       time.Duration   `json:"max"`
	Mean      time.Duration   `json:"mean"`
	P50       time.Duration   `json:"p50"`
	P95       time.Duration   `json:"p95"`
	P99       time.Duration   `json:"p99"`
	Total     int             `json:"total"`
	Durations []time.Duration `json:"-"`
}

// Result is the outcome of one storm.
type Result struct {
	Latency *LatencyStats `json:"latency"`

	Applied int64 `json:"applied"`
	Stale   int64 `json:"stale"`
	Failed  int64 `json:"failed"`

	// Redirects counts session expiries seen by the action module.
	Redirects int64 `json:"redirects"`

	// Count is the store's record count after the storm.
	Count int `json:"count"`

	// Emits is the number of change notifications the store delivered.
	Emits int64 `json:"emits"`

	Elapsed time.Duration `json:"elapsed"`
}

// outcomes implements action.Recorder with atomic counters.
type outcomes struct {
	applied, stale, failed, redirects atomic.Int64
}

func (o *outcomes) SyncApplied(string)    { o.applied.Add(1) }
func (o *outcomes) SyncStale(string)      { o.stale.Add(1) }
func (o *outcomes) SyncFailed(string)     { o.failed.Add(1) }
func (o *outcomes) Redirected(string)     { o.redirects.Add(1) }
func (o *outcomes) Cancelled(string, int) {}

// Run performs a refresh storm and verifies the bookkeeping invariants.
// It returns an error when any invariant is violated.
func Run(ctx context.Context, config *Config) (*Result, error) {
	if config == nil || config.Requester == nil {
		return nil, fmt.Errorf("requester cannot be nil")
	}
	entity := config.Entity
	if entity == "" {
		entity = models.EntityUsers
	}
	agents := config.Agents
	if agents <= 0 {
		agents = 10
	}
	syncs := config.SyncsPerAgent
	if syncs <= 0 {
		syncs = 10
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}
	quiet := log.New(io.Discard, "", 0)

	bus := dispatcher.New("loadtest", quiet)
	ld := loader.New(quiet)
	sched := scheduler.NewLoop(1024)
	defer sched.Close()

	s := store.New[json.RawMessage, models.Filter](entity, bus, &store.Config{
		PageCount: config.PageCount,
		Scheduler: sched,
		Logger:    quiet,
	})
	var emits atomic.Int64
	s.AddChangeListener(func() { emits.Add(1) })

	rec := &outcomes{}
	act, err := action.New(&action.Config[json.RawMessage, models.Filter]{
		Entity:      entity,
		Requester:   config.Requester,
		Bus:         bus,
		Loader:      ld,
		Store:       s,
		FilterQuery: models.Filter.Query,
		Alerter:     action.AlerterFunc(func(string) {}),
		Redirector:  action.RedirectorFunc(func() {}),
		Recorder:    rec,
		Logger:      quiet,
	})
	if err != nil {
		return nil, err
	}

	logger.Printf("Starting storm: %d agents x %d syncs on %s", agents, syncs, entity)
	start := time.Now()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all = make([]time.Duration, 0, agents*syncs)
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			durations := make([]time.Duration, 0, syncs)
			for j := 0; j < syncs; j++ {
				if ctx.Err() != nil {
					break
				}
				began := time.Now()
				_ = act.Sync(ctx)
				durations = append(durations, time.Since(began))
			}

			mu.Lock()
			all = append(all, durations...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every storm ends with one uncontended sync so the final state is known.
	if err := act.Sync(ctx); err != nil {
		return nil, fmt.Errorf("final sync failed: %w", err)
	}
	if err := sched.Settle(ctx); err != nil {
		return nil, fmt.Errorf("failed to settle notifications: %w", err)
	}

	result := &Result{
		Latency:   computeLatencyStats(all),
		Applied:   rec.applied.Load(),
		Stale:     rec.stale.Load(),
		Failed:    rec.failed.Load(),
		Redirects: rec.redirects.Load(),
		Count:     s.Count(),
		Emits:     emits.Load(),
		Elapsed:   time.Since(start),
	}

	total := int64(len(all)) + 1
	if got := result.Applied + result.Stale + result.Failed + result.Redirects; got != total {
		return result, fmt.Errorf("outcome mismatch: %d outcomes for %d syncs", got, total)
	}
	if ld.Pending() != 0 {
		return result, fmt.Errorf("loader not balanced: %d operations still pending", ld.Pending())
	}
	if result.Applied > 0 && result.Emits == 0 {
		return result, fmt.Errorf("store applied %d syncs but never notified", result.Applied)
	}
	return result, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(sorted)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Total:     len(sorted),
		Durations: sorted,
	}
}

// WriteStats formats the result.
func (r *Result) WriteStats(w io.Writer) {
	fmt.Fprintf(w, "Sync outcomes:\n")
	fmt.Fprintf(w, "  Applied:       %d\n", r.Applied)
	fmt.Fprintf(w, "  Stale:         %d\n", r.Stale)
	fmt.Fprintf(w, "  Failed:        %d\n", r.Failed)
	fmt.Fprintf(w, "  Redirects:     %d\n", r.Redirects)
	fmt.Fprintf(w, "  Notifications: %d\n", r.Emits)
	fmt.Fprintf(w, "  Final count:   %d\n", r.Count)
	fmt.Fprintf(w, "Latency:\n")
	fmt.Fprintf(w, "  Syncs:         %d\n", r.Latency.Total)
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed.Round(time.Millisecond))
}

// LocalBackend starts a mock backend seeded with records users and returns
// it with a client pointed at it. Stop the server when done.
func LocalBackend(records int, logger *log.Logger) (*mockserver.Server, *transport.Client, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	server := mockserver.NewServer(&mockserver.Config{Port: 0, Logger: logger})

	seed := make([]mockserver.Record, records)
	for i := range seed {
		seed[i] = mockserver.Record{
			"id":       fmt.Sprintf("u%05d", i+1),
			"username": fmt.Sprintf("user-%05d", i+1),
			"type":     "local",
		}
	}
	server.Backend().Seed(models.EntityUsers, seed)

	if err := server.Start(); err != nil {
		return nil, nil, err
	}
	client, err := transport.NewClient(&transport.Config{
		BaseURL: "http://" + server.Addr(),
		Logger:  logger,
	})
	if err != nil {
		_ = server.Stop()
		return nil, nil, err
	}
	return server, client, nil
}
