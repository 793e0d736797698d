// Package crashlytics records error reports and serves the
// firebase_crashlytics channel.
package crashlytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/metrics"
	"github.com/gaspardpetit/firebridge/internal/prefs"
)

const (
	prefCollectionEnabled = "firebase_crashlytics_collection_enabled"
	prefCrashed           = "firebase_crashlytics_crashed"

	maxLogLines = 64
)

// Frame is one stack trace element.
type Frame struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Class  string `json:"class,omitempty"`
	Method string `json:"method"`
}

// Report is one recorded error or crash.
type Report struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Fatal     bool              `json:"fatal"`
	Exception string            `json:"exception"`
	Stack     []Frame           `json:"stack,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Keys      map[string]string `json:"keys,omitempty"`
	Logs      []string          `json:"logs,omitempty"`
	Device    Device            `json:"device"`
}

// Sink receives reports once they are sent.
type Sink interface {
	Send(ctx context.Context, r Report) error
}

// LogSink writes reports to a logger.
type LogSink struct{ Log zerolog.Logger }

func (s LogSink) Send(_ context.Context, r Report) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.Log.Warn().Str("report", r.ID).Bool("fatal", r.Fatal).RawJSON("payload", b).Msg("crash report")
	return nil
}

// Reporter keeps custom keys, breadcrumbs and unsent reports. With
// collection enabled reports are sent as soon as they are recorded.
type Reporter struct {
	prefs  prefs.Store
	sink   Sink
	device func(ctx context.Context) Device
	now    func() time.Time
	log    zerolog.Logger

	mu           sync.Mutex
	enabled      bool
	crashedPrior bool
	userID       string
	keys         map[string]string
	logs         []string
	pending      []Report
}

// NewReporter loads the collection flag and consumes the crash marker left
// by the previous run.
func NewReporter(ctx context.Context, store prefs.Store, sink Sink) (*Reporter, error) {
	r := &Reporter{
		prefs:  store,
		sink:   sink,
		device: HostDevice,
		now:    time.Now,
		log:    logx.Component("crashlytics"),
		keys:   map[string]string{},
	}
	var err error
	if r.enabled, err = prefs.Bool(ctx, store, prefCollectionEnabled, true); err != nil {
		return nil, err
	}
	if r.crashedPrior, err = prefs.Bool(ctx, store, prefCrashed, false); err != nil {
		return nil, err
	}
	if r.crashedPrior {
		if err := store.Delete(ctx, prefCrashed); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Reporter) CollectionEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetCollectionEnabled persists the flag and flushes pending reports when
// collection turns on.
func (r *Reporter) SetCollectionEnabled(ctx context.Context, enabled bool) error {
	if err := prefs.SetBool(ctx, r.prefs, prefCollectionEnabled, enabled); err != nil {
		return err
	}
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
	if enabled {
		return r.SendUnsent(ctx)
	}
	return nil
}

func (r *Reporter) DidCrashOnPreviousExecution() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.crashedPrior
}

func (r *Reporter) SetUserID(id string) {
	r.mu.Lock()
	r.userID = id
	r.mu.Unlock()
}

func (r *Reporter) SetCustomKey(key, value string) {
	r.mu.Lock()
	r.keys[key] = value
	r.mu.Unlock()
}

// Log adds a breadcrumb. Only the latest lines are kept.
func (r *Reporter) Log(msg string) {
	r.mu.Lock()
	r.logs = append(r.logs, msg)
	if over := len(r.logs) - maxLogLines; over > 0 {
		r.logs = append([]string(nil), r.logs[over:]...)
	}
	r.mu.Unlock()
}

// Record queues a report built from the current keys and breadcrumbs.
func (r *Reporter) Record(ctx context.Context, exception string, stack []Frame, fatal bool) (Report, error) {
	device := r.device(ctx)
	r.mu.Lock()
	rep := Report{
		ID:        uuid.NewString(),
		Time:      r.now(),
		Fatal:     fatal,
		Exception: exception,
		Stack:     stack,
		UserID:    r.userID,
		Keys:      make(map[string]string, len(r.keys)),
		Logs:      append([]string(nil), r.logs...),
		Device:    device,
	}
	for k, v := range r.keys {
		rep.Keys[k] = v
	}
	r.pending = append(r.pending, rep)
	enabled := r.enabled
	r.mu.Unlock()
	metrics.RecordCrashReport(fatal)
	r.log.Debug().Str("report", rep.ID).Bool("fatal", fatal).Msg("report recorded")
	if enabled {
		return rep, r.SendUnsent(ctx)
	}
	return rep, nil
}

// Crash records a fatal report and marks the next run as following a crash.
func (r *Reporter) Crash(ctx context.Context) error {
	if err := prefs.SetBool(ctx, r.prefs, prefCrashed, true); err != nil {
		return err
	}
	_, err := r.Record(ctx, "FirebaseCrashlytics: Crash Test", nil, true)
	return err
}

func (r *Reporter) HasUnsent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// Unsent returns a copy of the queued reports.
func (r *Reporter) Unsent() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.pending...)
}

func (r *Reporter) DeleteUnsent() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

// SendUnsent hands queued reports to the sink. Reports the sink rejects stay
// queued.
func (r *Reporter) SendUnsent(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	for i, rep := range batch {
		if err := r.sink.Send(ctx, rep); err != nil {
			r.mu.Lock()
			r.pending = append(append([]Report(nil), batch[i:]...), r.pending...)
			r.mu.Unlock()
			return err
		}
	}
	return nil
}
