// Package api provides HTTP handlers and the main API server logic for CarePipe.
//
// It exposes RESTful endpoints for recovery protocols, patient enrollment,
// schedule generation, form responses, clinical alerts, and AI document
// processing. Run wires the store, GenAI client, notification dispatcher,
// job runner, outbox sender, and reconciliation sweep together.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/CareSignal/CarePipe/internal/docproc"
	"github.com/CareSignal/CarePipe/internal/forms"
	"github.com/CareSignal/CarePipe/internal/genai"
	"github.com/CareSignal/CarePipe/internal/notify"
	"github.com/CareSignal/CarePipe/internal/schedule"
	"github.com/CareSignal/CarePipe/internal/scheduler"
	"github.com/CareSignal/CarePipe/internal/store"
)

// Default configuration values.
const (
	// DefaultAPIAddr is the address the API server listens on.
	DefaultAPIAddr = ":8080"
	// DefaultPollInterval drives the job runner and outbox sender loops.
	DefaultPollInterval = 5 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address for the HTTP server.
	Addr string
	// SweepSchedule is the cron expression for the nightly reconciliation sweep.
	SweepSchedule string
	// OverdueGraceDays is how many days past their scheduled date pending
	// tasks are tolerated before the sweep fails them.
	OverdueGraceDays int
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithSweepSchedule sets the cron expression for the reconciliation sweep.
func WithSweepSchedule(expr string) Option {
	return func(o *Opts) {
		o.SweepSchedule = expr
	}
}

// WithOverdueGraceDays sets the overdue grace period for the sweep.
func WithOverdueGraceDays(days int) Option {
	return func(o *Opts) {
		o.OverdueGraceDays = days
	}
}

// Server handles HTTP requests for the CarePipe API.
type Server struct {
	st        store.Store
	jobs      store.JobRepo
	generator *schedule.Generator
	evaluator *forms.Evaluator
	processor *docproc.Processor
	addr      string
}

// NewServer creates an API server over the given backend. processor may be
// nil when no GenAI client is configured; document endpoints then report the
// feature as unavailable.
func NewServer(b store.Store, processor *docproc.Processor, addr string) *Server {
	if addr == "" {
		addr = DefaultAPIAddr
	}
	return &Server{
		st:        b,
		jobs:      b,
		generator: schedule.NewGenerator(b),
		evaluator: forms.NewEvaluator(b),
		processor: processor,
		addr:      addr,
	}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/protocols", s.protocolsHandler)
	mux.HandleFunc("/protocols/", s.protocolsRouter)
	mux.HandleFunc("/patients", s.createPatientHandler)
	mux.HandleFunc("/patients/", s.patientsRouter)
	mux.HandleFunc("/tasks/", s.tasksRouter)
	mux.HandleFunc("/responses", s.responsesHandler)
	mux.HandleFunc("/forms/", s.formsRouter)
	mux.HandleFunc("/alerts/", s.alertsRouter)
	mux.HandleFunc("/documents/process", s.processDocumentHandler)
	mux.HandleFunc("/documents/jobs/", s.documentJobRouter)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// newBackend constructs the store implementation implied by the configured DSN.
func newBackend(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("api.Run: no database DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Info("api.Run: using PostgreSQL store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Info("api.Run: using SQLite store", "path", cfg.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

// Run starts the CarePipe service: store, background workers, reconciliation
// sweep, and the HTTP API. It blocks until the server exits.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, notifyOpts []notify.Option, apiOpts []Option) error {
	opts := Opts{
		Addr:             DefaultAPIAddr,
		SweepSchedule:    scheduler.DefaultSweepSchedule,
		OverdueGraceDays: scheduler.DefaultOverdueGraceDays,
	}
	if addr := os.Getenv("API_ADDR"); addr != "" {
		opts.Addr = addr
	}
	if expr := os.Getenv("SWEEP_SCHEDULE"); expr != "" {
		opts.SweepSchedule = expr
	}
	for _, opt := range apiOpts {
		opt(&opts)
	}

	b, err := newBackend(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer b.Close()

	// Document extraction is optional: without an OpenAI key the rest of the
	// service still runs.
	var processor *docproc.Processor
	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Warn("api.Run: GenAI client not configured, document processing disabled", "error", err)
	} else {
		processor = docproc.NewProcessor(b, b, gaClient)
	}

	var dispatcher notify.Dispatcher
	if td, err := notify.NewTwilioDispatcher(notifyOpts...); err != nil {
		slog.Info("api.Run: Twilio not configured, logging provider notifications", "reason", err)
		dispatcher = notify.NewLogDispatcher()
	} else {
		slog.Info("api.Run: Twilio dispatcher configured")
		dispatcher = td
	}

	runner := store.NewJobRunner(b, DefaultPollInterval)
	if processor != nil {
		runner.RegisterHandler(docproc.JobKindDocumentProcess, processor.JobHandler())
	}
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Error("api.Run: failed to recover stale jobs", "error", err)
	}

	sender := store.NewOutboxSender(b, notify.OutboxSendFunc(b, dispatcher), DefaultPollInterval)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Error("api.Run: failed to recover stale outbox messages", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)
	go sender.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	sweeper := scheduler.NewSweeper(b, b, b, scheduler.WithOverdueGraceDays(opts.OverdueGraceDays))
	if err := sched.AddJob(opts.SweepSchedule, sweeper.Sweep); err != nil {
		return fmt.Errorf("failed to schedule reconciliation sweep: %w", err)
	}

	srv := NewServer(b, processor, opts.Addr)
	slog.Info("CarePipe API running", "addr", srv.addr, "sweepSchedule", opts.SweepSchedule)
	return http.ListenAndServe(srv.addr, srv.Handler())
}
