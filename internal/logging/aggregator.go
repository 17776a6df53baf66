package logging

import (
	"log/slog"
	"sync"
	"time"
)

type aggregateKey struct {
	component string
	event     string
}

type aggregateEntry struct {
	count  int64
	fields []slog.Attr
}

// Aggregator batches high-frequency events (task list pushes, SSE
// heartbeats) into one "event_summary" record per interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator flushing every intervalSecs seconds.
// A nil logger drops everything.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop ends the flush loop and emits whatever is pending. Safe to call twice.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.Flush()
	})
}

// Record counts one occurrence. The fields of the latest call win.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{component: component, event: event}
	entry := a.entries[key]
	if entry == nil {
		entry = &aggregateEntry{}
		a.entries[key] = entry
	}
	entry.count++
	if len(fields) > 0 {
		entry.fields = fields
	}
}

// Flush emits and clears the pending counters.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if len(a.entries) == 0 {
		a.mu.Unlock()
		return
	}
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}
	for key, entry := range entries {
		attrs := []any{
			slog.String("component", key.component),
			slog.String("event", key.event),
			slog.Int64("count", entry.count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, f := range entry.fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
