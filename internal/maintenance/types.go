// Package maintenance runs the four-phase garden upkeep pipeline:
// pre-scan, crawler fan-out, resolver fan-in, commit. All agent writes
// happen on a dedicated branch that is merged on success or discarded
// on any failure.
package maintenance

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"arbor/internal/stream"
)

func newFindingID() string {
	return uuid.NewString()
}

// Severity of a finding.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// Category classifies what kind of issue a finding describes.
type Category string

const (
	CategoryOrphan        Category = "orphan"
	CategoryBrokenLink    Category = "broken-link"
	CategoryExpired       Category = "expired"
	CategoryLinkRelation  Category = "link-relation"
	CategoryDuplicate     Category = "duplicate"
	CategoryContradiction Category = "contradiction"
	CategoryEnhancement   Category = "enhancement"
	CategoryCleanup       Category = "cleanup"
)

// SourcePreScan marks findings produced by the synchronous pre-scan;
// crawler findings carry "crawler:<subtreeId>".
const SourcePreScan = "pre-scan"

// Finding is one issue or improvement opportunity. Produced once,
// never mutated.
type Finding struct {
	ID              string   `json:"id"`
	Category        Category `json:"category"`
	Severity        Severity `json:"severity"`
	Source          string   `json:"source"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	NodeIDs         []string `json:"nodeIds,omitempty"`
	LinkIDs         []string `json:"linkIds,omitempty"`
	SuggestedAction string   `json:"suggestedAction,omitempty"`
}

// CrawlerReport is the result of one crawler invocation.
type CrawlerReport struct {
	SubtreeID     string    `json:"subtreeId"`
	Label         string    `json:"label"`
	NodesExplored int       `json:"nodesExplored"`
	Findings      []Finding `json:"findings"`
}

// Phase of the maintenance pipeline.
type Phase string

const (
	PhasePreScan    Phase = "pre-scan"
	PhaseCrawling   Phase = "crawling"
	PhaseResolving  Phase = "resolving"
	PhaseCommitting Phase = "committing"
	PhaseDone       Phase = "done"
)

// Progress is the poll-visible pipeline snapshot, overwritten in place
// as phases advance.
type Progress struct {
	Phase            Phase     `json:"phase"`
	PhaseLabel       string    `json:"phaseLabel"`
	Percent          int       `json:"percent"`
	CrawlersTotal    int       `json:"crawlersTotal"`
	CrawlersComplete int       `json:"crawlersComplete"`
	TotalFindings    int       `json:"totalFindings"`
	ResolverActions  int       `json:"resolverActions"`
	PhaseStartedAt   time.Time `json:"phaseStartedAt"`
}

// JobStatus transitions running -> (complete|error) exactly once.
type JobStatus string

const (
	StatusRunning  JobStatus = "running"
	StatusComplete JobStatus = "complete"
	StatusError    JobStatus = "error"
)

// Trigger records how a job was started.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// Job is one maintenance run. Reads and writes go through the mutex;
// the pipeline mutates it while pollers snapshot it.
type Job struct {
	mu          sync.Mutex
	id          string
	status      JobStatus
	trigger     Trigger
	recorder    *stream.Recorder
	progress    *Progress
	startedAt   time.Time
	completedAt *time.Time
	errMsg      string
	done        chan struct{}
}

// JobSnapshot is the poll-response view of a job.
type JobSnapshot struct {
	ID          string                  `json:"id"`
	Status      JobStatus               `json:"status"`
	Trigger     Trigger                 `json:"trigger"`
	ToolCalls   []stream.ToolCallRecord `json:"toolCalls"`
	Progress    *Progress               `json:"progress"`
	StartedAt   time.Time               `json:"startedAt"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// StatusResponse is the maintenance poll shape.
type StatusResponse struct {
	CurrentJob                        *JobSnapshot `json:"currentJob"`
	ConversationsSinceLastMaintenance int          `json:"conversationsSinceLastMaintenance"`
	Threshold                         int          `json:"threshold"`
}

// ID returns the job id.
func (j *Job) ID() string {
	return j.id
}

// Status returns the current job status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done returns a channel closed when the pipeline reaches a terminal
// status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Snapshot copies the job state for a poller. Progress is nil before
// pre-scan begins.
func (j *Job) Snapshot() *JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := &JobSnapshot{
		ID:        j.id,
		Status:    j.status,
		Trigger:   j.trigger,
		ToolCalls: j.recorder.Records(),
		StartedAt: j.startedAt,
		Error:     j.errMsg,
	}
	if j.progress != nil {
		p := *j.progress
		snap.Progress = &p
	}
	if j.completedAt != nil {
		t := *j.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

// setPhase starts a new phase, resetting the phase timestamp and
// carrying counters forward.
func (j *Job) setPhase(phase Phase, label string, percent int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	p := &Progress{
		Phase:          phase,
		PhaseLabel:     label,
		Percent:        percent,
		PhaseStartedAt: time.Now(),
	}
	if j.progress != nil {
		p.CrawlersTotal = j.progress.CrawlersTotal
		p.CrawlersComplete = j.progress.CrawlersComplete
		p.TotalFindings = j.progress.TotalFindings
		p.ResolverActions = j.progress.ResolverActions
	}
	j.progress = p
}

// updateProgress mutates the current progress under the job lock.
func (j *Job) updateProgress(fn func(*Progress)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.progress != nil {
		fn(j.progress)
	}
}

// finish moves the job to its terminal status exactly once.
func (j *Job) finish(status JobStatus, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusRunning {
		return
	}
	j.status = status
	j.errMsg = errMsg
	now := time.Now()
	j.completedAt = &now
	if j.progress != nil && status == StatusComplete {
		j.progress.Phase = PhaseDone
		j.progress.PhaseLabel = "Maintenance complete"
		j.progress.Percent = 100
	}
}
