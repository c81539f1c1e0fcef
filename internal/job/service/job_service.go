// Package service implements the job state machine. Transitions are driven
// by operator commands and by cycle-completion events relayed from the
// device bridge; the database enforces every guard atomically, so stale or
// duplicate events cannot corrupt state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"fleet-control-plane/backend/internal/audit"
	"fleet-control-plane/backend/internal/job/cache"
	"fleet-control-plane/backend/internal/job/domain"
	jobrepo "fleet-control-plane/backend/internal/job/repository"
	machinedomain "fleet-control-plane/backend/internal/machine/domain"
)

var (
	ErrMachineNotFound    = errors.New("machine not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrDuplicateActiveJob = errors.New("machine already has an active job")
	ErrInvalidTransition  = errors.New("invalid job transition")
)

// MachineDirectory is the slice of the machine store the job service needs.
type MachineDirectory interface {
	GetByID(ctx context.Context, id string) (*machinedomain.Machine, error)
}

// CommandSender publishes desired-state commands toward the machine agent.
type CommandSender interface {
	SendCommand(ctx context.Context, machineID, command, correlationID string, params map[string]any) error
}

// JobService owns job lifecycle transitions. Every successful transition
// updates the authoritative record, mirrors or evicts the cache entry, and
// notifies the machine's command channel with the new desired state.
type JobService struct {
	jobs     jobrepo.Repository
	cache    cache.Cache
	machines MachineDirectory
	commands CommandSender
	auditor  audit.AuditLogger
}

// NewJobService wires the job service. auditor may be nil.
func NewJobService(jobs jobrepo.Repository, c cache.Cache, machines MachineDirectory, commands CommandSender, auditor audit.AuditLogger) *JobService {
	return &JobService{jobs: jobs, cache: c, machines: machines, commands: commands, auditor: auditor}
}

// Create registers a new PENDING job for the machine. Fails with
// ErrMachineNotFound for unknown machines and ErrDuplicateActiveJob while a
// non-terminal job exists; the duplicate error names the blocking job.
func (s *JobService) Create(ctx context.Context, actorID, machineID, programID string, targetCount int) (*domain.Job, error) {
	if targetCount <= 0 {
		return nil, fmt.Errorf("%w: target count must be positive", ErrInvalidTransition)
	}
	machine, err := s.machines.GetByID(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("machine lookup: %w", err)
	}
	if machine == nil {
		return nil, ErrMachineNotFound
	}

	job := &domain.Job{
		ID:          uuid.New().String(),
		MachineID:   machineID,
		ProgramID:   programID,
		TargetCount: targetCount,
		Status:      domain.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, jobrepo.ErrDuplicateActiveJob) {
			if active, lookupErr := s.jobs.GetActiveByMachine(ctx, machineID); lookupErr == nil && active != nil {
				return nil, fmt.Errorf("%w: job %s is %s", ErrDuplicateActiveJob, active.ID, active.Status)
			}
			return nil, ErrDuplicateActiveJob
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.finishTransition(ctx, job); err != nil {
		return nil, err
	}
	s.logEvent(ctx, actorID, "job.create", job)
	return job, nil
}

// Start moves a PENDING or PAUSED job to RUNNING. The first start stamps
// startedAt; a resume leaves it as is.
func (s *JobService) Start(ctx context.Context, actorID, jobID string) (*domain.Job, error) {
	updated, err := s.transition(ctx, jobID, s.jobs.Start)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, actorID, "job.start", updated)
	return updated, nil
}

// Pause moves a RUNNING job to PAUSED.
func (s *JobService) Pause(ctx context.Context, actorID, jobID string) (*domain.Job, error) {
	updated, err := s.transition(ctx, jobID, s.jobs.Pause)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, actorID, "job.pause", updated)
	return updated, nil
}

// Cancel moves any non-terminal job to CANCELLED.
func (s *JobService) Cancel(ctx context.Context, actorID, jobID string) (*domain.Job, error) {
	updated, err := s.transition(ctx, jobID, s.jobs.Cancel)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, actorID, "job.cancel", updated)
	return updated, nil
}

// SetOneCycleStop toggles the stop-after-current-cycle flag. Only a RUNNING
// job accepts the toggle.
func (s *JobService) SetOneCycleStop(ctx context.Context, actorID, jobID string, enabled bool) (*domain.Job, error) {
	updated, err := s.transition(ctx, jobID, func(ctx context.Context, id string) (*domain.Job, error) {
		return s.jobs.SetOneCycleStop(ctx, id, enabled)
	})
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, actorID, "job.one_cycle_stop", updated)
	return updated, nil
}

// Get returns the job, or ErrJobNotFound.
func (s *JobService) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job lookup: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// ActiveForMachine returns the machine's non-terminal job, or nil when idle.
// The cache is consulted first; a miss or a cache failure falls through to
// the database.
func (s *JobService) ActiveForMachine(ctx context.Context, machineID string) (*domain.Job, error) {
	if s.cache != nil {
		cached, err := s.cache.GetActive(ctx, machineID)
		if err != nil {
			log.Printf("job: cache read for %s failed: %v", machineID, err)
		} else if cached != nil {
			return cached, nil
		}
	}
	job, err := s.jobs.GetActiveByMachine(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("job lookup: %w", err)
	}
	return job, nil
}

// HandleCompletion counts one finished cycle reported by the machine. A
// completion with no RUNNING job is a no-op: late and duplicate device events
// carry no authority over state. Returns the updated job, or nil when the
// event was ignored.
func (s *JobService) HandleCompletion(ctx context.Context, machineID string) (*domain.Job, error) {
	active, err := s.jobs.GetActiveByMachine(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("job lookup: %w", err)
	}
	if active == nil || active.Status != domain.StatusRunning {
		return nil, nil
	}
	updated, err := s.jobs.IncrementCompleted(ctx, active.ID)
	if err != nil {
		return nil, fmt.Errorf("count completion: %w", err)
	}
	if updated == nil {
		// Lost a race with a concurrent transition; the event is stale now.
		return nil, nil
	}
	if err := s.finishTransition(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// transition runs one guarded repository update, translating a nil result
// into not-found or invalid-transition with the current state named.
func (s *JobService) transition(ctx context.Context, jobID string, op func(context.Context, string) (*domain.Job, error)) (*domain.Job, error) {
	updated, err := op(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job transition: %w", err)
	}
	if updated == nil {
		current, err := s.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("job lookup: %w", err)
		}
		if current == nil {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, current.ID, current.Status)
	}
	if err := s.finishTransition(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// finishTransition mirrors the new state into the cache and notifies the
// machine agent. The cache is a side channel: failures are logged and never
// undo the committed transition. The agent notification is not: a failed
// publish is returned so the caller sees the bridge outage, even though the
// record transition itself stands.
func (s *JobService) finishTransition(ctx context.Context, job *domain.Job) error {
	if s.cache != nil {
		var err error
		if job.Status.Terminal() {
			err = s.cache.EvictActive(ctx, job.MachineID)
		} else {
			err = s.cache.SetActive(ctx, job)
		}
		if err != nil {
			log.Printf("job: cache update for %s failed: %v", job.MachineID, err)
		}
	}
	if s.commands == nil {
		return nil
	}
	params := map[string]any{
		"jobId":          job.ID,
		"status":         string(job.Status),
		"programId":      job.ProgramID,
		"targetCount":    job.TargetCount,
		"completedCount": job.CompletedCount,
		"oneCycleStop":   job.OneCycleStop,
	}
	if err := s.commands.SendCommand(ctx, job.MachineID, "job.state", uuid.New().String(), params); err != nil {
		return fmt.Errorf("notify agent: %w", err)
	}
	return nil
}

func (s *JobService) logEvent(ctx context.Context, actorID, action string, job *domain.Job) {
	if s.auditor == nil {
		return
	}
	s.auditor.LogEvent(ctx, actorID, action, "job:"+job.ID, "machine:"+job.MachineID)
}
