// Package scheduler implements the multi-project priority queue: effective-
// priority computation with aging, fair-share token accounting across
// projects, resource-quota gating, and per-project health scoring. The
// queue is in-memory authoritative, following the same task lifecycle
// (QUEUED -> CLAIMED -> RUNNING -> terminal) used elsewhere in this
// codebase but holding state in process memory instead of sqlite, since
// scheduling decisions must be made without a database round trip on the
// hot path.
package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is one of the mutually exclusive sets a task belongs to.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Task is one unit of schedulable work.
type Task struct {
	TaskID           string
	ProjectID        string
	IssueNumber      int
	Priority         int
	EffectivePriority int
	EnqueuedAt       time.Time
	Deadline         time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	Metadata         map[string]string
	State            TaskState
	Result           string
	Err              string
}

// ResourceQuota bounds cpu/memory reservation for a project or the system.
type ResourceQuota struct {
	CPU    float64
	Memory float64
}

// ProjectStatistics tracks a project's running totals, used by health
// scoring and fair-share accounting.
type ProjectStatistics struct {
	Completed  int
	Failed     int
	QueueDepth int
}

// Project is a registered scheduling domain.
type Project struct {
	ID             string
	Name           string
	Path           string
	BasePriority   int
	Weight         float64
	Quota          ResourceQuota
	Stats          ProjectStatistics
	RegisteredAt   time.Time
	LastActivity   time.Time

	tokens  float64
	cpuUsed float64
	memUsed float64
}

// AgingConfig controls how queued tasks gain effective priority over time.
type AgingConfig struct {
	Interval  time.Duration
	Increment int
	Cap       int
}

// DefaultAgingConfig returns the pack's documented example constants
// (10s interval, +20 per interval, capped at 60).
func DefaultAgingConfig() AgingConfig {
	return AgingConfig{Interval: 10 * time.Second, Increment: 20, Cap: 60}
}

// GlobalLimits bounds system-wide resource usage across all projects.
type GlobalLimits struct {
	CPU    float64
	Memory float64
}

// ErrUnknownProject is returned by enqueue against an unregistered project.
var ErrUnknownProject = errors.New("UnknownProject")

// Scheduler holds all scheduling state behind a single lock; selection runs
// synchronously so effective-priority and fair-share comparisons observe a
// consistent snapshot.
type Scheduler struct {
	mu       sync.Mutex
	projects map[string]*Project
	queued   map[string]*Task
	running  map[string]*Task
	aging    AgingConfig
	global   GlobalLimits
	maxBurst float64
	now      func() time.Time
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithAging overrides the default aging configuration.
func WithAging(cfg AgingConfig) Option {
	return func(s *Scheduler) { s.aging = cfg }
}

// WithGlobalLimits sets system-wide resource caps.
func WithGlobalLimits(limits GlobalLimits) Option {
	return func(s *Scheduler) { s.global = limits }
}

// WithMaxBurst bounds how high a project's fair-share token balance can
// climb while idle.
func WithMaxBurst(maxBurst float64) Option {
	return func(s *Scheduler) { s.maxBurst = maxBurst }
}

// withClock overrides the scheduler's time source, for deterministic tests.
func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New constructs an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		projects: make(map[string]*Project),
		queued:   make(map[string]*Task),
		running:  make(map[string]*Task),
		aging:    DefaultAgingConfig(),
		maxBurst: 10,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.global.CPU == 0 {
		s.global.CPU = 1 << 30
	}
	if s.global.Memory == 0 {
		s.global.Memory = 1 << 30
	}
	return s
}

// RegisterProject registers or re-registers a project. Idempotent on id.
func (s *Scheduler) RegisterProject(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.projects[p.ID]
	if ok {
		p.tokens = existing.tokens
		p.cpuUsed = existing.cpuUsed
		p.memUsed = existing.memUsed
		p.Stats = existing.Stats
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = s.now()
	}
	cp := p
	s.projects[p.ID] = &cp
}

// Enqueue validates the project exists, computes the task's initial
// effective priority, and inserts it into the queued set. A task submitted
// without a TaskID is assigned a fresh one.
func (s *Scheduler) Enqueue(t Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj, ok := s.projects[t.ProjectID]
	if !ok {
		return "", ErrUnknownProject
	}
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = s.now()
	}
	t.State = TaskQueued
	t.EffectivePriority = s.effectivePriority(t, proj)
	s.queued[t.TaskID] = &t
	proj.Stats.QueueDepth = len(s.queueForProjectLocked(proj.ID))
	proj.LastActivity = s.now()
	return t.TaskID, nil
}

func (s *Scheduler) queueForProjectLocked(projectID string) []*Task {
	var out []*Task
	for _, t := range s.queued {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out
}

// effectivePriority computes base + age_boost + project bonus, clamped to
// the aging cap. Caller holds the lock.
func (s *Scheduler) effectivePriority(t Task, proj *Project) int {
	ageBoost := 0
	if s.aging.Interval > 0 {
		elapsed := s.now().Sub(t.EnqueuedAt)
		intervals := int(elapsed / s.aging.Interval)
		ageBoost = intervals * s.aging.Increment
		if ageBoost > s.aging.Cap {
			ageBoost = s.aging.Cap
		}
		if ageBoost < 0 {
			ageBoost = 0
		}
	}
	bonus := projectPriorityBonus(proj)
	return t.Priority + ageBoost + bonus
}

// projectPriorityBonus derives a small per-project bonus from its base
// priority, so a project registered with a higher base priority nudges its
// tasks ahead of otherwise-tied tasks from a lower-priority project.
func projectPriorityBonus(proj *Project) int {
	return proj.BasePriority / 10
}

// refillTokensLocked replenishes every project's fair-share token balance by
// its weight, bounded above by maxBurst. Caller holds the lock.
func (s *Scheduler) refillTokensLocked() {
	for _, p := range s.projects {
		p.tokens += p.Weight
		if p.tokens > s.maxBurst {
			p.tokens = s.maxBurst
		}
	}
}

// quotaAllowsLocked reports whether running t would keep the project and
// the system within their resource quotas. Caller holds the lock.
func (s *Scheduler) quotaAllowsLocked(t *Task, proj *Project, reserveCPU, reserveMem float64) bool {
	if proj.Quota.CPU > 0 && proj.cpuUsed+reserveCPU > proj.Quota.CPU {
		return false
	}
	if proj.Quota.Memory > 0 && proj.memUsed+reserveMem > proj.Quota.Memory {
		return false
	}
	totalCPU, totalMem := s.global.CPU, s.global.Memory
	var usedCPU, usedMem float64
	for _, p := range s.projects {
		usedCPU += p.cpuUsed
		usedMem += p.memUsed
	}
	if usedCPU+reserveCPU > totalCPU {
		return false
	}
	if usedMem+reserveMem > totalMem {
		return false
	}
	return true
}

// Next returns the highest-ranking eligible task, moving it from queued to
// running. Returns (nil, false) if nothing is eligible. Never fails.
func (s *Scheduler) Next() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queued) == 0 {
		return nil, false
	}
	s.refillTokensLocked()

	candidates := make([]*Task, 0, len(s.queued))
	for _, t := range s.queued {
		proj := s.projects[t.ProjectID]
		if proj == nil {
			continue
		}
		t.EffectivePriority = s.effectivePriority(*t, proj)
		if !s.quotaAllowsLocked(t, proj, 1, 1) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.EffectivePriority != b.EffectivePriority {
			return a.EffectivePriority > b.EffectivePriority
		}
		pa, pb := s.projects[a.ProjectID], s.projects[b.ProjectID]
		if pa.tokens != pb.tokens {
			return pa.tokens > pb.tokens
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.TaskID < b.TaskID
	})

	chosen := candidates[0]
	proj := s.projects[chosen.ProjectID]
	proj.tokens--
	proj.cpuUsed += 1
	proj.memUsed += 1

	delete(s.queued, chosen.TaskID)
	chosen.State = TaskRunning
	chosen.StartedAt = s.now()
	s.running[chosen.TaskID] = chosen
	proj.Stats.QueueDepth = len(s.queueForProjectLocked(proj.ID))
	return chosen, true
}

// Complete marks a running task completed and updates project statistics.
// A no-op if the task id is unknown (idempotent).
func (s *Scheduler) Complete(taskID, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.running[taskID]
	if !ok {
		return
	}
	t.State = TaskCompleted
	t.Result = result
	t.CompletedAt = s.now()
	delete(s.running, taskID)
	if proj, ok := s.projects[t.ProjectID]; ok {
		proj.Stats.Completed++
		proj.cpuUsed -= 1
		proj.memUsed -= 1
		proj.LastActivity = s.now()
	}
}

// Fail marks a running task failed and updates project statistics. A no-op
// if the task id is unknown.
func (s *Scheduler) Fail(taskID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.running[taskID]
	if !ok {
		return
	}
	t.State = TaskFailed
	t.Err = errMsg
	t.CompletedAt = s.now()
	delete(s.running, taskID)
	if proj, ok := s.projects[t.ProjectID]; ok {
		proj.Stats.Failed++
		proj.cpuUsed -= 1
		proj.memUsed -= 1
		proj.LastActivity = s.now()
	}
}

// Snapshot is the full observable state, for dashboards.
type Snapshot struct {
	Projects []Project
	Queued   []Task
	Running  []Task
}

// Snapshot returns a deep-enough copy of all scheduling state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{}
	for _, p := range s.projects {
		snap.Projects = append(snap.Projects, *p)
	}
	for _, t := range s.queued {
		snap.Queued = append(snap.Queued, *t)
	}
	for _, t := range s.running {
		snap.Running = append(snap.Running, *t)
	}
	sort.Slice(snap.Projects, func(i, j int) bool { return snap.Projects[i].ID < snap.Projects[j].ID })
	sort.Slice(snap.Queued, func(i, j int) bool { return snap.Queued[i].TaskID < snap.Queued[j].TaskID })
	sort.Slice(snap.Running, func(i, j int) bool { return snap.Running[i].TaskID < snap.Running[j].TaskID })
	return snap
}
