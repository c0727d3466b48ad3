package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateSensor is returned when a sensor id is registered twice.
	ErrDuplicateSensor = errors.New("sensor already registered")
	// ErrInvalidSource is returned for sources with an unusable descriptor.
	ErrInvalidSource = errors.New("invalid sensor source")
)

// Outcome is the reduction of all per-source results of one cycle.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomePartiallyFailed Outcome = "partially_failed"
	OutcomeFailed          Outcome = "failed"
)

// Result is the outcome of refreshing a single source.
type Result struct {
	SensorID string
	Reading  Reading
	History  []Reading
	Err      error

	// HistoryErr is set when the current reading succeeded but history did not.
	HistoryErr error
	// Skipped is set when the source reported itself not live.
	Skipped bool
}

// OK reports whether the mandatory current fetch succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Kind classifies the result error.
func (r Result) Kind() ErrorKind { return Classify(r.Err) }

// Cycle is the aggregate result of RefreshAll.
type Cycle struct {
	Results    []Result
	Outcome    Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// Readings returns the current readings of all successful sources.
func (c Cycle) Readings() []Reading {
	out := make([]Reading, 0, len(c.Results))
	for _, res := range c.Results {
		if res.OK() {
			out = append(out, res.Reading)
		}
	}
	return out
}

// Failures returns the results whose mandatory fetch failed.
func (c Cycle) Failures() []Result {
	var out []Result
	for _, res := range c.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// ReduceOutcome judges a cycle: succeeded when nothing failed, failed when
// nothing succeeded, partially failed otherwise.
func ReduceOutcome(results []Result) Outcome {
	var ok, failed int
	for _, res := range results {
		if res.OK() {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return OutcomeSucceeded
	case ok == 0:
		return OutcomeFailed
	default:
		return OutcomePartiallyFailed
	}
}

// RegistryOptions tunes per-source fetching.
type RegistryOptions struct {
	// FetchTimeout bounds every single fetch attempt.
	FetchTimeout time.Duration
	// Retries is the number of extra attempts for transient failures.
	Retries uint64
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
	// History is the window requested from every source.
	History TimeRange
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 250 * time.Millisecond
	}
	if o.History.Ceiling() == 0 {
		o.History = RangeDay
	}
	return o
}

// Registry holds the active sources keyed by sensor id and is the single
// place readings are accumulated.
type Registry struct {
	opts   RegistryOptions
	store  Store
	logger *slog.Logger
	now    func() time.Time

	// cycleMu serializes whole refresh cycles.
	cycleMu sync.Mutex

	mu      sync.RWMutex
	sources map[string]Source
	latest  map[string]Reading
	lastErr map[string]error
}

// NewRegistry creates an empty Registry backed by the given window store.
func NewRegistry(store Store, opts RegistryOptions, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:    opts.withDefaults(),
		store:   store,
		logger:  logger.With("component", "registry"),
		now:     func() time.Time { return time.Now().UTC() },
		sources: make(map[string]Source),
		latest:  make(map[string]Reading),
		lastErr: make(map[string]error),
	}
}

// HistoryRange returns the window requested from sources.
func (r *Registry) HistoryRange() TimeRange { return r.opts.History }

// Add registers a source.
func (r *Registry) Add(src Source) error {
	if src == nil {
		return ErrInvalidSource
	}
	desc := src.Descriptor()
	if desc.ID == "" || !desc.Kind.Valid() {
		return fmt.Errorf("%w: id=%q kind=%q", ErrInvalidSource, desc.ID, desc.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[desc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSensor, desc.ID)
	}
	r.sources[desc.ID] = src
	return nil
}

// Remove unregisters a sensor and drops its cached state.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sources, id)
	delete(r.latest, id)
	delete(r.lastErr, id)
	r.mu.Unlock()

	r.store.Delete(id)
}

// Lookup returns the source registered under id.
func (r *Registry) Lookup(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	return src, ok
}

// Descriptors lists all registered sensors ordered by id.
func (r *Registry) Descriptors() []Descriptor {
	srcs := r.sortedSources()
	out := make([]Descriptor, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, s.Descriptor())
	}
	return out
}

// Latest returns the most recent reading recorded for a sensor.
func (r *Registry) Latest(id string) (Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rd, ok := r.latest[id]
	return rd, ok
}

// LatestAll returns a copy of latestBySensor.
func (r *Registry) LatestAll() map[string]Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Reading, len(r.latest))
	for k, v := range r.latest {
		out[k] = v
	}
	return out
}

// LastError returns the last fetch error of a sensor, nil after a success.
func (r *Registry) LastError(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr[id]
}

// Window returns the working window of a sensor, ascending by timestamp.
func (r *Registry) Window(id string) []Reading {
	return r.store.Window(id)
}

// WindowFor returns the readings within tr of the newest stored reading,
// keeping at most tr.Ceiling() of the most recent ones.
func (r *Registry) WindowFor(id string, tr TimeRange) []Reading {
	all := r.store.Window(id)
	if len(all) == 0 {
		return []Reading{}
	}
	newest := all[len(all)-1].Timestamp
	readings := r.store.GetRange(id, newest.Add(-tr.Duration()), newest)
	if n := len(readings); n > tr.Ceiling() {
		readings = readings[n-tr.Ceiling():]
	}
	return readings
}

// Averages aggregates the latest readings of all live sensors.
func (r *Registry) Averages() Averages {
	r.mu.RLock()
	readings := make([]Reading, 0, len(r.latest))
	for id, rd := range r.latest {
		if src, ok := r.sources[id]; ok && src.IsLive() {
			readings = append(readings, rd)
		}
	}
	r.mu.RUnlock()
	return Aggregate(readings)
}

// RefreshAll fetches every registered source concurrently and waits for all
// of them. A failing source never blocks or invalidates the others.
func (r *Registry) RefreshAll(ctx context.Context) Cycle {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	started := r.now()
	srcs := r.sortedSources()
	results := make([]Result, len(srcs))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			res := r.refreshOne(gctx, src)
			r.record(res)
			results[i] = res
			// Failures are reported through results, never through the group.
			return nil
		})
	}
	_ = g.Wait()

	cycle := Cycle{
		Results:    results,
		Outcome:    ReduceOutcome(results),
		StartedAt:  started,
		FinishedAt: r.now(),
	}
	r.logger.Debug("refresh cycle finished",
		"sources", len(results),
		"failed", len(cycle.Failures()),
		"outcome", cycle.Outcome)
	return cycle
}

func (r *Registry) refreshOne(ctx context.Context, src Source) Result {
	desc := src.Descriptor()
	res := Result{SensorID: desc.ID}

	if !src.IsLive() {
		res.Skipped = true
		res.Err = fmt.Errorf("%w: %s is not live", ErrSourceUnavailable, desc.ID)
		return res
	}

	op := func() error {
		actx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
		defer cancel()

		cur, err := src.FetchCurrent(actx)
		if err != nil {
			err = normalizeFetchErr(actx, err)
			if !Retryable(err) {
				return backoff.Permanent(err)
			}
			r.logger.Debug("fetch attempt failed", "sensor", desc.ID, "error", err)
			return err
		}
		res.Reading = cur

		hist, err := src.FetchHistory(actx, r.opts.History)
		if err != nil {
			res.HistoryErr = normalizeFetchErr(actx, err)
			res.History = nil
			return nil
		}
		res.History = hist
		res.HistoryErr = nil
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.RetryInterval
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, r.opts.Retries), ctx)); err != nil {
		res.Err = normalizeFetchErr(ctx, err)
		res.Reading = Reading{}
		res.History = nil
	}
	return res
}

// record applies a result in completion order.
func (r *Registry) record(res Result) {
	r.mu.Lock()
	if _, ok := r.sources[res.SensorID]; !ok {
		// Removed while the fetch was in flight.
		r.mu.Unlock()
		return
	}
	if !res.OK() {
		r.lastErr[res.SensorID] = res.Err
		r.mu.Unlock()
		r.logger.Warn("sensor fetch failed", "sensor", res.SensorID, "kind", res.Kind(), "error", res.Err)
		return
	}
	r.latest[res.SensorID] = res.Reading
	delete(r.lastErr, res.SensorID)
	r.mu.Unlock()

	if res.HistoryErr != nil {
		r.logger.Warn("sensor history unavailable", "sensor", res.SensorID, "error", res.HistoryErr)
	}

	if n := len(res.History); n > 0 {
		r.store.Replace(res.SensorID, res.History)
		if res.Reading.Timestamp.After(res.History[n-1].Timestamp) {
			r.store.Insert(res.Reading)
		}
		return
	}
	r.store.Insert(res.Reading)
}

func (r *Registry) sortedSources() []Source {
	r.mu.RLock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor().ID < out[j].Descriptor().ID
	})
	return out
}

// normalizeFetchErr makes sure every fetch error wraps a taxonomy sentinel.
func normalizeFetchErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if k := Classify(err); k != ErrKindSourceUnavailable {
		return err
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
}
