// Package engine assembles a harvest run from its parts and owns the run
// lifecycle: start, pause, resume, stop, snapshot, resume-from-snapshot.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediaharvest/harvester/internal/clock/system"
	"github.com/mediaharvest/harvester/internal/discovery"
	"github.com/mediaharvest/harvester/internal/domainhealth"
	"github.com/mediaharvest/harvester/internal/download"
	"github.com/mediaharvest/harvester/internal/extract"
	"github.com/mediaharvest/harvester/internal/fetch"
	"github.com/mediaharvest/harvester/internal/frontier"
	"github.com/mediaharvest/harvester/internal/harvest"
	"github.com/mediaharvest/harvester/internal/id/runid"
	"github.com/mediaharvest/harvester/internal/progress"
)

// State is the engine lifecycle state.
type State string

// Engine states.
const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateDone    State = "done"
)

// Config assembles an engine. Store and Seeds are required; every other
// component has a default built from Settings.
type Config struct {
	Settings harvest.Settings
	Seeds    []string

	Store    harvest.MediaStore
	Sessions harvest.SessionStore
	Rewriter harvest.URLRewriter

	// Fetcher and Extractor override the built-in implementations,
	// primarily for tests.
	Fetcher   harvest.Fetcher
	Extractor harvest.Extractor

	Blocklist *discovery.Blocklist
	// QuarantineThreshold is the consecutive-failure count that triggers
	// quarantine.
	QuarantineThreshold int

	TempDir string
	RunID   string
	Clock   harvest.Clock
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Engine runs one harvest session end to end.
type Engine struct {
	cfg      Config
	runID    string
	runUUID  [16]byte
	clock    harvest.Clock
	logger   *zap.Logger
	counters *harvest.Counters

	frontier    *frontier.Frontier
	health      *domainhealth.Monitor
	pipeline    *download.Pipeline
	coordinator *discovery.Coordinator
	gate        *pauseGate

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// New wires up an engine. The run does not start until Start is called.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, &harvest.ConfigError{Field: "store", Msg: "media store is required"}
	}
	if len(cfg.Seeds) == 0 {
		return nil, &harvest.ConfigError{Field: "seeds", Msg: "at least one seed URL is required"}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := cfg.RunID
	var runUUID uuid.UUID
	if runID == "" {
		id, err := runid.New()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		runID = id.String()
		runUUID = id
	} else if parsed, err := uuid.Parse(runID); err == nil {
		runUUID = parsed
	}

	settings := cfg.Settings
	counters := &harvest.Counters{}
	gate := newPauseGate()

	seedDomains := make([]string, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		if d := harvest.Domain(s); d != "" {
			seedDomains = append(seedDomains, harvest.BaseDomain(d))
		}
	}

	front := frontier.New(frontier.Config{
		MaxDepth:          settings.MaxDepth,
		SeedDomains:       seedDomains,
		PreferSeedDomains: true,
	})
	health := domainhealth.New(domainhealth.Config{
		Threshold: cfg.QuarantineThreshold,
		Clock:     clock,
	})

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = fetch.New(fetch.Config{
			UserAgent:            settings.UserAgent,
			AcceptLanguage:       settings.AcceptLanguage,
			Timeout:              settings.RequestTimeout,
			PerDomainConcurrency: settings.PerDomainConcurrency,
			PerDomainRPS:         settings.PerDomainRPS,
			Gate:                 health,
		})
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = extract.New(extract.Config{
			Rewriter:         cfg.Rewriter,
			ScriptHeuristics: settings.ScriptHeuristics,
			Logger:           logger.Named("extract"),
		})
	}

	pipeline := download.New(download.Config{
		Workers:           settings.DownloadWorkers,
		PerDomainSlots:    settings.PerDomainConcurrency,
		Timeout:           settings.RequestTimeout,
		UserAgent:         settings.UserAgent,
		ReferrerPolicy:    settings.ReferrerPolicy,
		MinImageWidth:     settings.MinImageWidth,
		MinImageHeight:    settings.MinImageHeight,
		MinImageKB:        settings.MinImageKB,
		MinVideoKB:        settings.MinVideoKB,
		AllowedExtensions: settings.AllowedExtensions,
		RunID:             runUUID,
		TempDir:           cfg.TempDir,
		Store:             cfg.Store,
		Clock:             clock,
		Emitter:           cfg.Emitter,
		Counters:          counters,
		Logger:            logger.Named("download"),
		Pauser:            gate,
		Retry: download.NewRetryPolicy(
			settings.MaxAttempts, 0, 0,
		),
	})

	coordinator := discovery.New(discovery.Config{
		Frontier:           front,
		Fetcher:            fetcher,
		Extractor:          extractor,
		Health:             health,
		Admitter:           pipeline,
		Workers:            settings.DiscoveryWorkers,
		StayInDomain:       settings.StayInDomain,
		RequeueQuarantined: settings.RequeueQuarantined,
		RequeueDelay:       settings.RequeueDelay,
		Blocklist:          cfg.Blocklist,
		StopWords:          settings.StopWords,
		RunID:              runUUID,
		Clock:              clock,
		Emitter:            cfg.Emitter,
		Counters:           counters,
		Logger:             logger.Named("discovery"),
		Pauser:             gate,
	})

	return &Engine{
		cfg:         cfg,
		runID:       runID,
		runUUID:     runUUID,
		clock:       clock,
		logger:      logger,
		counters:    counters,
		frontier:    front,
		health:      health,
		pipeline:    pipeline,
		coordinator: coordinator,
		gate:        gate,
		state:       StateIdle,
		done:        make(chan struct{}),
	}, nil
}

// RunID returns the identifier for this run.
func (e *Engine) RunID() string { return e.runID }

// Restore primes the engine from a saved snapshot. Must be called before
// Start.
func (e *Engine) Restore(snap harvest.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return fmt.Errorf("restore requires an idle engine, state is %s", e.state)
	}
	e.health.Restore(snap.Domains)
	e.pipeline.RestoreCompleted(snap.Completed)
	e.counters.Restore(snap.Stats)
	for _, task := range snap.Frontier {
		e.coordinator.Enqueue(task)
	}
	return nil
}

// Start seeds the frontier and launches the run. It returns immediately;
// use Done to wait for completion.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("engine already started, state is %s", e.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.state = StateRunning
	e.mu.Unlock()

	accepted := e.coordinator.Seed(e.cfg.Seeds)
	if accepted == 0 && e.frontier.Len() == 0 {
		// Resumed runs may start with a restored frontier instead of
		// fresh seeds.
		cancel()
		e.mu.Lock()
		e.state = StateDone
		e.runErr = &harvest.ConfigError{Field: "seeds", Msg: "no seed URL was accepted"}
		e.mu.Unlock()
		close(e.done)
		return e.runErr
	}

	e.emit(progress.Event{Stage: progress.StageRunStart})
	e.logger.Info("run started",
		zap.String("run_id", e.runID),
		zap.Strings("seeds", e.cfg.Seeds),
		zap.Int("seeds_accepted", accepted),
	)

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		e.pipeline.Run(runCtx)
	}()

	go func() {
		e.coordinator.Run(runCtx)
		// Discovery is quiet; let in-flight downloads settle, then
		// stop the pool.
		if err := e.pipeline.Quiesce(runCtx); err != nil {
			e.logger.Warn("download quiesce interrupted", zap.Error(err))
		}
		e.pipeline.Close()
		workers.Wait()
		e.finish(runCtx.Err() == nil)
		cancel()
	}()
	return nil
}

// finish transitions to done, saves the final snapshot, and emits RUN_DONE.
func (e *Engine) finish(clean bool) {
	e.mu.Lock()
	if e.state == StateDone {
		e.mu.Unlock()
		return
	}
	e.state = StateDone
	e.mu.Unlock()

	if e.cfg.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.cfg.Sessions.Save(ctx, e.Snapshot()); err != nil {
			e.logger.Warn("final snapshot save failed", zap.Error(err))
		}
		cancel()
	}

	reason := "completed"
	if !clean {
		reason = "stopped"
	}
	e.emit(progress.Event{Stage: progress.StageRunDone, Reason: reason})
	stats := e.counters.Stats()
	e.logger.Info("run finished",
		zap.String("run_id", e.runID),
		zap.String("reason", reason),
		zap.Int64("pages_parsed", stats.PagesParsed),
		zap.Int64("media_found", stats.MediaFound),
		zap.Int64("downloaded", stats.Downloaded),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("failed", stats.Failed),
	)
	close(e.done)
}

// Pause holds every worker after its current task. Idempotent.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return
	}
	e.state = StatePaused
	e.gate.Pause()
	e.logger.Info("run paused", zap.String("run_id", e.runID))
}

// Resume releases paused workers. Idempotent.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return
	}
	e.state = StateRunning
	e.gate.Resume()
	e.logger.Info("run resumed", zap.String("run_id", e.runID))
}

// Stop cancels the run. In-flight work is abandoned; the final snapshot
// still records the remaining frontier so the run can be resumed.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	paused := e.state == StatePaused
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	if paused {
		// Blocked workers only observe cancellation; reopen the gate so
		// they can exit through their normal path.
		e.gate.Resume()
	}
	cancel()
}

// Done is closed when the run reaches a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the startup error, if any, once Done is closed.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// Status summarizes the run for the control API.
type Status struct {
	RunID           string           `json:"run_id"`
	State           State            `json:"state"`
	Stats           harvest.RunStats `json:"stats"`
	FrontierPending int              `json:"frontier_pending"`
	Quarantined     []string         `json:"quarantined,omitempty"`
}

// Status reports the current run state and counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	var quarantined []string
	for _, s := range e.health.States() {
		if s.QuarantinedUntil.After(e.clock.Now()) {
			quarantined = append(quarantined, s.Domain)
		}
	}
	return Status{
		RunID:           e.runID,
		State:           state,
		Stats:           e.counters.Stats(),
		FrontierPending: e.frontier.Len(),
		Quarantined:     quarantined,
	}
}

// Snapshot captures resumable run state: the remaining frontier, domain
// health, completed downloads, and counters.
func (e *Engine) Snapshot() harvest.Snapshot {
	return harvest.Snapshot{
		RunID:     e.runID,
		SavedAt:   e.clock.Now(),
		Seeds:     e.cfg.Seeds,
		Settings:  e.cfg.Settings,
		Frontier:  e.frontier.Pending(),
		Domains:   e.health.States(),
		Completed: e.pipeline.CompletedURLs(),
		Stats:     e.counters.Stats(),
	}
}

func (e *Engine) emit(evt progress.Event) {
	if e.cfg.Emitter == nil {
		return
	}
	evt.RunID = e.runUUID
	evt.TS = e.clock.Now()
	e.cfg.Emitter.Emit(evt)
}
