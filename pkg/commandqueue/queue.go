package commandqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/kera/internal/observability"
	"github.com/harun/kera/internal/tracing"
)

// Task represents an asynchronous operation to be executed.
type Task func(ctx context.Context) (interface{}, error)

// taskRecord tracks a task's execution state.
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane. Lanes with
// concurrency 1 preserve arrival order, which is how session lanes
// serialize messages per session.
type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	cancels     map[string]context.CancelFunc
	mu          sync.Mutex
}

// CommandQueue provides lane-based task serialization with concurrency
// control. Each session maps to its own lane.
type CommandQueue struct {
	lanes  map[string]*laneState
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new CommandQueue. The cron lane runs scheduled work
// with a little parallelism; session lanes are created on demand with
// concurrency 1.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	cq := &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}

	cq.initLane("cron", 5)

	return cq
}

func (cq *CommandQueue) initLane(lane string, concurrency int) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if _, exists := cq.lanes[lane]; !exists {
		cq.lanes[lane] = &laneState{
			concurrency: concurrency,
			queue:       make([]*taskRecord, 0),
			cancels:     make(map[string]context.CancelFunc),
		}
		log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	}
}

func (cq *CommandQueue) ensureLane(lane string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if exists {
		return ls
	}

	cq.initLane(lane, 1)

	cq.mu.RLock()
	defer cq.mu.RUnlock()
	return cq.lanes[lane]
}

// Enqueue adds a task to the specified lane and blocks until the task
// has run, returning its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	ls := cq.ensureLane(lane)

	taskID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task id: %w", err)
	}

	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	go cq.processLane(lane, ls)

	select {
	case result := <-record.result:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: fmt.Errorf("task cancelled: lane reset")}
			close(record.result)
			continue
		}

		runCtx, cancel := context.WithCancel(record.ctx)
		ls.running++
		ls.cancels[record.id] = cancel

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record, runCtx, cancel)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord, runCtx context.Context, cancel context.CancelFunc) {
	defer cq.wg.Done()

	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	logger := tracing.LoggerFromContext(runCtx, log.Logger)
	start := time.Now()

	value, err := record.task(runCtx)

	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	delete(ls.cancels, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.SetQueueSize(lane, queueSize)

	go cq.processLane(lane, ls)
}

// Size returns the number of queued tasks for a lane.
func (cq *CommandQueue) Size(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running returns the number of currently executing tasks for a lane.
func (cq *CommandQueue) Running(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Abort cancels the lane's running tasks and rejects everything still
// queued. Returns the number of rejected queued tasks.
func (cq *CommandQueue) Abort(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++

	for _, cancel := range ls.cancels {
		cancel()
	}

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("task cancelled: lane aborted")}
		close(record.result)
	}
	ls.queue = ls.queue[:0]

	log.Info().Str("lane", lane).Int("rejected", count).Msg("Lane aborted")
	observability.SetQueueSize(lane, 0)

	return count
}

// Close gracefully shuts down the command queue, cancelling running
// tasks and waiting for them to return.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	return nil
}
