// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type JobType string

const (
	JobBackfill        JobType = "backfill"
	JobJoinAndBackfill JobType = "join_and_backfill"
	JobCatchUp         JobType = "catch_up"
)

// JobParams is the tagged union of per-type job arguments. Exactly the
// fields matching the job type are meaningful.
type JobParams struct {
	ChatRef string `json:"chat_ref,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	Limit   int64  `json:"limit,omitempty"`
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is one queued unit of sync work plus its lifecycle record. Results
// are written back into the job in place, so Status always reflects the
// latest state.
type Job struct {
	ID         string      `json:"id"`
	Type       JobType     `json:"type"`
	Params     JobParams   `json:"params"`
	State      JobState    `json:"state"`
	Result     *SyncResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// TaskScheduler serializes all pull-style sync work through a single
// worker. Jobs run strictly in submission order, and consecutive dispatches
// are separated by the shared pacer's minimum interval.
type TaskScheduler struct {
	backfill *BackfillEngine
	pacer    *Pacer
	notify   Notifier
	log      zerolog.Logger

	mu    sync.Mutex
	jobs  map[string]*Job
	queue []*Job
	wake  chan struct{}

	wg sync.WaitGroup
}

// NewTaskScheduler wires a scheduler around the backfill engine.
func NewTaskScheduler(backfill *BackfillEngine, pacer *Pacer, notify Notifier, log zerolog.Logger) *TaskScheduler {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &TaskScheduler{
		backfill: backfill,
		pacer:    pacer,
		notify:   notify,
		log:      log.With().Str("component", "scheduler").Logger(),
		jobs:     make(map[string]*Job),
		wake:     make(chan struct{}, 1),
	}
}

// Submit enqueues a job and returns its ID immediately.
func (ts *TaskScheduler) Submit(jobType JobType, params JobParams) (*Job, error) {
	switch jobType {
	case JobBackfill, JobJoinAndBackfill:
		if params.ChatRef == "" {
			return nil, fmt.Errorf("%s job requires a chat reference", jobType)
		}
	case JobCatchUp:
		if params.ChatID == 0 {
			return nil, fmt.Errorf("catch_up job requires a chat ID")
		}
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}

	job := &Job{
		ID:         strings.Split(uuid.NewString(), "-")[0],
		Type:       jobType,
		Params:     params,
		State:      JobQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	ts.mu.Lock()
	ts.jobs[job.ID] = job
	ts.queue = append(ts.queue, job)
	ts.mu.Unlock()

	select {
	case ts.wake <- struct{}{}:
	default:
	}
	ts.log.Info().
		Str("job_id", job.ID).
		Str("job_type", string(jobType)).
		Msg("Job enqueued")
	return job, nil
}

// Status returns a snapshot of the job, or nil for an unknown ID.
func (ts *TaskScheduler) Status(id string) *Job {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	job, ok := ts.jobs[id]
	if !ok {
		return nil
	}
	snapshot := *job
	return &snapshot
}

// Queue returns snapshots of all jobs still waiting or running, in
// dispatch order.
func (ts *TaskScheduler) Queue() []*Job {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]*Job, 0, len(ts.queue))
	for _, job := range ts.queue {
		snapshot := *job
		out = append(out, &snapshot)
	}
	return out
}

// QueueDepth returns the number of jobs not yet finished.
func (ts *TaskScheduler) QueueDepth() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.queue)
}

// Start launches the single worker goroutine. It runs until the context is
// canceled; Wait blocks until the worker has drained.
func (ts *TaskScheduler) Start(ctx context.Context) {
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		ts.run(ctx)
	}()
}

// Wait blocks until the worker goroutine has exited.
func (ts *TaskScheduler) Wait() {
	ts.wg.Wait()
}

func (ts *TaskScheduler) run(ctx context.Context) {
	for {
		job := ts.pop()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ts.wake:
				continue
			}
		}
		// The shared pacer gates every dispatch, so back-to-back jobs
		// never exceed the configured request rate.
		if err := ts.pacer.Wait(ctx); err != nil {
			ts.requeue(job)
			return
		}
		ts.execute(ctx, job)
	}
}

func (ts *TaskScheduler) pop() *Job {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.queue) == 0 {
		return nil
	}
	job := ts.queue[0]
	now := time.Now().UTC()
	job.State = JobRunning
	job.StartedAt = &now
	return job
}

func (ts *TaskScheduler) requeue(job *Job) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	job.State = JobQueued
	job.StartedAt = nil
}

func (ts *TaskScheduler) finish(job *Job) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.queue) > 0 && ts.queue[0] == job {
		ts.queue = ts.queue[1:]
	}
}

func (ts *TaskScheduler) execute(ctx context.Context, job *Job) {
	log := ts.log.With().Str("job_id", job.ID).Str("job_type", string(job.Type)).Logger()
	log.Info().Msg("Job started")

	var result *SyncResult
	var err error
	switch job.Type {
	case JobBackfill:
		result, err = ts.backfill.Sync(ctx, job.Params.ChatRef, job.Params.Limit)
	case JobJoinAndBackfill:
		result, err = ts.backfill.JoinAndSync(ctx, job.Params.ChatRef, job.Params.Limit)
	case JobCatchUp:
		result, err = ts.backfill.CatchUp(ctx, job.Params.ChatID, int(job.Params.Limit))
	}

	now := time.Now().UTC()
	ts.mu.Lock()
	job.FinishedAt = &now
	if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
	} else {
		job.State = JobCompleted
		job.Result = result
	}
	ts.mu.Unlock()
	ts.finish(job)

	if err != nil {
		// One failed job never halts the queue.
		log.Err(err).Msg("Job failed")
	} else {
		log.Info().
			Int64("new_messages", result.NewMessages).
			Bool("fully_loaded", result.FullyLoaded).
			Msg("Job completed")
	}
	ts.notify.Notify(Event{
		Type: EventTaskCompleted,
		Data: map[string]any{
			"job_id": job.ID,
			"state":  string(job.State),
		},
	})
}
