package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbor/internal/agent"
	"arbor/internal/graph"
	"arbor/internal/logging"
	"arbor/internal/stream"
)

// ErrMaintenanceRunning rejects a new run while one is in progress.
// Requests are rejected outright, never queued.
var ErrMaintenanceRunning = errors.New("a maintenance run is already in progress")

// Invoker abstracts one agent invocation; tests script it.
type Invoker interface {
	Invoke(ctx context.Context, opts agent.Options, onEvent func(stream.Event)) error
}

// Options configures the maintenance manager.
type Options struct {
	Binary      string
	Model       string
	Timeout     time.Duration
	ScratchRoot string

	GraphServer         agent.ToolServer // full write tools, for resolvers
	ReadOnlyGraphServer agent.ToolServer // for crawlers

	CrawlerFanout  int           // max concurrent crawler invocations
	SplitThreshold int           // findings above this split resolver passes
	AutoThreshold  int           // conversations before an auto run is scheduled
	SettleDelay    time.Duration // quiet period before the auto run fires
}

// Manager owns the single maintenance job slot and the auto-trigger
// counter. The slot is the only shared mutable state: check-and-set on
// it happens under one mutex.
type Manager struct {
	opts    Options
	store   graph.Store
	invoker Invoker
	log     *logging.Logger

	mu            sync.Mutex
	current       *Job
	conversations int
	settleTimer   *time.Timer
}

// NewManager wires a manager to its store and invoker. Zero-valued
// tuning options fall back to defaults.
func NewManager(opts Options, store graph.Store, invoker Invoker) *Manager {
	if opts.CrawlerFanout <= 0 {
		opts.CrawlerFanout = 8
	}
	if opts.SplitThreshold <= 0 {
		opts.SplitThreshold = 50
	}
	if opts.AutoThreshold <= 0 {
		opts.AutoThreshold = 10
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 30 * time.Second
	}
	return &Manager{
		opts:    opts,
		store:   store,
		invoker: invoker,
		log:     logging.Get(logging.CategoryMaintenance),
	}
}

// Run starts a maintenance job in the background and returns it for
// polling. Returns ErrMaintenanceRunning if a job is in flight.
func (m *Manager) Run(ctx context.Context, trigger Trigger) (*Job, error) {
	m.mu.Lock()
	if m.current != nil && m.current.Status() == StatusRunning {
		m.mu.Unlock()
		return nil, ErrMaintenanceRunning
	}

	job := &Job{
		id:        uuid.NewString(),
		status:    StatusRunning,
		trigger:   trigger,
		recorder:  stream.NewRecorder(string(PhasePreScan)),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.current = job
	m.conversations = 0
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.mu.Unlock()

	m.log.Info("maintenance job %s started (trigger: %s)", job.id, trigger)
	go m.execute(ctx, job)
	return job, nil
}

// NotifyConversationComplete bumps the auto-trigger counter. Once the
// threshold is crossed, an auto run is scheduled after the settle
// delay so maintenance does not race an active conversation burst.
func (m *Manager) NotifyConversationComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conversations++
	if m.conversations < m.opts.AutoThreshold || m.settleTimer != nil {
		return
	}
	if m.current != nil && m.current.Status() == StatusRunning {
		return
	}

	m.log.Info("auto-trigger threshold reached (%d conversations), scheduling run in %s", m.conversations, m.opts.SettleDelay)
	m.settleTimer = time.AfterFunc(m.opts.SettleDelay, func() {
		m.mu.Lock()
		m.settleTimer = nil
		m.mu.Unlock()
		if _, err := m.Run(context.Background(), TriggerAuto); err != nil {
			m.log.Warn("auto maintenance run not started: %v", err)
		}
	})
}

// Close stops any pending auto-trigger timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
}

// Status is the poll endpoint's data source.
func (m *Manager) Status() StatusResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := StatusResponse{
		ConversationsSinceLastMaintenance: m.conversations,
		Threshold:                         m.opts.AutoThreshold,
	}
	if m.current != nil {
		resp.CurrentJob = m.current.Snapshot()
	}
	return resp
}

// execute drives the pipeline to a terminal status exactly once.
func (m *Manager) execute(ctx context.Context, job *Job) {
	defer close(job.done)

	if err := m.runPipeline(ctx, job); err != nil {
		m.log.Error("maintenance job %s failed: %v", job.id, err)
		job.finish(StatusError, err.Error())
		return
	}
	m.log.Info("maintenance job %s complete", job.id)
	job.finish(StatusComplete, "")
}

// runPipeline is the four-phase sequence. Pre-scan runs on the
// original branch (read-only); everything that writes runs inside the
// branch guard.
func (m *Manager) runPipeline(ctx context.Context, job *Job) error {
	onEvent := func(ev stream.Event) {
		job.recorder.Observe(ev)
	}

	// Phase 1: pre-scan, 0-5%.
	job.setPhase(PhasePreScan, "Scanning graph structure", 0)
	job.recorder.SetPhase(string(PhasePreScan))
	preFindings, err := preScan(ctx, m.store, time.Now())
	if err != nil {
		return err
	}
	job.updateProgress(func(p *Progress) {
		p.TotalFindings = len(preFindings)
		p.Percent = 5
	})

	return m.withBranch(ctx, job.id, func() error {
		// Phase 2: crawling, 5-60%.
		gc, err := m.store.GetContext(ctx)
		if err != nil {
			return err
		}
		plans := planCrawlers(gc.TopLevelSubtrees(), m.opts.CrawlerFanout)

		job.setPhase(PhaseCrawling, "Crawling subtrees", 5)
		job.recorder.SetPhase(string(PhaseCrawling))
		job.updateProgress(func(p *Progress) { p.CrawlersTotal = len(plans) })

		reports := m.runCrawlers(ctx, plans, onEvent, func() {
			job.updateProgress(func(p *Progress) {
				p.CrawlersComplete++
				if p.CrawlersTotal > 0 {
					p.Percent = 5 + 55*p.CrawlersComplete/p.CrawlersTotal
				}
			})
		})

		findings := append([]Finding(nil), preFindings...)
		for _, r := range reports {
			findings = append(findings, r.Findings...)
		}
		job.updateProgress(func(p *Progress) { p.TotalFindings = len(findings) })

		// Phase 3: resolving, 60-95%. Skipped entirely with no findings.
		if len(findings) > 0 {
			job.setPhase(PhaseResolving, "Resolving findings", 60)
			job.recorder.SetPhase(string(PhaseResolving))

			resolverEvent := func(ev stream.Event) {
				if ev.Kind == stream.KindToolCallStart {
					job.updateProgress(func(p *Progress) {
						p.ResolverActions++
						if p.Percent < 95 {
							p.Percent++
						}
					})
				}
				onEvent(ev)
			}

			if m.needsSplitPasses(findings) {
				primary, suggestions := splitFindings(findings)
				m.runResolverPass(ctx, primary, resolverEvent)
				m.runResolverPass(ctx, suggestions, resolverEvent)
			} else {
				m.runResolverPass(ctx, findings, resolverEvent)
			}
		}

		// Phase 4: committing, 95-100%. Commit failure is logged and
		// swallowed; the merge decision is independent of it.
		job.setPhase(PhaseCommitting, "Committing changes", 95)
		job.recorder.SetPhase(string(PhaseCommitting))
		msg := fmt.Sprintf("maintenance %s: %d findings, %d actions", job.id, len(findings), job.Snapshot().Progress.ResolverActions)
		if err := m.store.Commit(ctx, msg); err != nil {
			m.log.Warn("maintenance commit failed: %v", err)
		}
		return nil
	})
}

// withBranch isolates fn on a dedicated branch. Success merges the
// branch back and deletes it; any failure discards changes, restores
// the original branch, and deletes it. The original branch is never
// left in an intermediate state.
func (m *Manager) withBranch(ctx context.Context, jobID string, fn func() error) error {
	original, err := m.store.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current branch: %w", err)
	}

	name := "maintenance-" + jobID
	if err := m.store.CreateBranch(ctx, name); err != nil {
		return fmt.Errorf("failed to create maintenance branch: %w", err)
	}
	if err := m.store.SwitchBranch(ctx, name); err != nil {
		_ = m.store.DeleteBranch(ctx, name)
		return fmt.Errorf("failed to switch to maintenance branch: %w", err)
	}

	if err := fn(); err != nil {
		if derr := m.store.DiscardChanges(ctx); derr != nil {
			m.log.Warn("failed to discard maintenance changes: %v", derr)
		}
		if serr := m.store.SwitchBranch(ctx, original); serr != nil {
			m.log.Error("failed to restore branch %s: %v", original, serr)
		}
		if derr := m.store.DeleteBranch(ctx, name); derr != nil {
			m.log.Warn("failed to delete maintenance branch: %v", derr)
		}
		return err
	}

	if err := m.store.SwitchBranch(ctx, original); err != nil {
		return fmt.Errorf("failed to switch back to %s: %w", original, err)
	}
	if err := m.store.MergeBranch(ctx, name); err != nil {
		_ = m.store.DeleteBranch(ctx, name)
		return fmt.Errorf("failed to merge maintenance branch: %w", err)
	}
	if err := m.store.DeleteBranch(ctx, name); err != nil {
		return fmt.Errorf("failed to delete maintenance branch: %w", err)
	}
	return nil
}
