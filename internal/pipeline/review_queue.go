package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/kugutsu-dev/kugutsu/internal/agent"
	"github.com/kugutsu-dev/kugutsu/internal/events"
	"github.com/kugutsu-dev/kugutsu/internal/logging"
	"github.com/kugutsu-dev/kugutsu/internal/queue"
	"github.com/kugutsu-dev/kugutsu/pkg/models"
)

// maxReviewRetries bounds reviewer invocation failures per task. Verdict
// rejections are revision rounds, counted by the coordinator, not here.
const maxReviewRetries = 5

// reviewPayload is one development result awaiting review.
type reviewPayload struct {
	task       *models.Task
	result     *models.EngineerResult
	engineerID string
}

// ReviewQueue runs reviewer agents over completed development results and
// publishes verdicts. It accumulates the review history per task; the history
// rides along on published events so downstream stages see every round.
type ReviewQueue struct {
	queue    *queue.Queue[reviewPayload]
	reviewer agent.ReviewAgent
	bus      *events.Bus
	logger   *logging.DebugLogger

	mu      sync.Mutex
	history map[string][]models.ReviewRecord
	rounds  map[string]int
}

// NewReviewQueue creates a review queue running at most maxConcurrent
// reviewers.
func NewReviewQueue(maxConcurrent int, reviewer agent.ReviewAgent, bus *events.Bus, logger *logging.DebugLogger) *ReviewQueue {
	rq := &ReviewQueue{
		reviewer: reviewer,
		bus:      bus,
		logger:   logger,
		history:  make(map[string][]models.ReviewRecord),
		rounds:   make(map[string]int),
	}
	rq.queue = queue.New[reviewPayload]("review", maxConcurrent,
		queue.WithLogger[reviewPayload](logger.Log))
	return rq
}

// Start launches the reviewer workers.
func (rq *ReviewQueue) Start(ctx context.Context) {
	rq.queue.Start(ctx, rq.process)
}

// Enqueue submits a development result for review. The item ID is the task
// ID, so a task can have at most one review in flight.
func (rq *ReviewQueue) Enqueue(task *models.Task, result *models.EngineerResult, engineerID string) bool {
	return rq.queue.Enqueue(&queue.Item[reviewPayload]{
		ID:       task.ID,
		Priority: task.Priority.Weight(),
		Payload:  reviewPayload{task: task, result: result, engineerID: engineerID},
	})
}

// History returns a copy of the accumulated review records for a task.
func (rq *ReviewQueue) History(taskID string) []models.ReviewRecord {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	records := rq.history[taskID]
	out := make([]models.ReviewRecord, len(records))
	copy(out, records)
	return out
}

// StopAndWait stops the queue and waits for in-flight reviews.
func (rq *ReviewQueue) StopAndWait() {
	rq.queue.StopAndWait()
}

// process runs one review round.
func (rq *ReviewQueue) process(ctx context.Context, item *queue.Item[reviewPayload]) error {
	p := item.Payload
	historyKey := historyKeyFor(p.task)

	verdict, err := rq.reviewer.Review(ctx, p.task, p.result)
	if err != nil {
		if item.Retries+1 >= maxReviewRetries {
			rq.logger.Log("[review] task %s: reviewer failed %d times, giving up: %v",
				p.task.ID, item.Retries+1, err)
			rq.bus.Publish(events.Event{
				Kind:   events.KindTaskFailed,
				TaskID: p.task.ID,
				Task:   p.task,
				Phase:  events.PhaseReview,
				Reason: "reviewer failed: " + err.Error(),
			})
			return err
		}
		rq.logger.Log("[review] task %s: reviewer error (attempt %d), requeueing: %v",
			p.task.ID, item.Retries+1, err)
		rq.requeue(item)
		return err
	}

	rq.mu.Lock()
	rq.rounds[historyKey]++
	round := rq.rounds[historyKey]
	rq.history[historyKey] = append(rq.history[historyKey], models.ReviewRecord{
		Round:     round,
		Verdict:   *verdict,
		Timestamp: time.Now(),
	})
	history := make([]models.ReviewRecord, len(rq.history[historyKey]))
	copy(history, rq.history[historyKey])
	rq.mu.Unlock()

	rq.logger.Log("[review] task %s round %d: approved=%v comments=%d",
		p.task.ID, round, verdict.Approved, len(verdict.Comments))

	rq.bus.Publish(events.Event{
		Kind:          events.KindReviewCompleted,
		TaskID:        p.task.ID,
		Task:          p.task,
		Result:        p.result,
		Verdict:       verdict,
		ReviewHistory: history,
		EngineerID:    p.engineerID,
		NeedsRevision: !verdict.Approved,
	})
	return nil
}

// requeue puts the item back after a reviewer error. The goroutine hop lets
// the worker release the ID before the duplicate check runs.
func (rq *ReviewQueue) requeue(item *queue.Item[reviewPayload]) {
	retry := &queue.Item[reviewPayload]{
		ID:       item.ID,
		Priority: item.Priority,
		Retries:  item.Retries + 1,
		Payload:  item.Payload,
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		rq.queue.Enqueue(retry)
	}()
}

// historyKeyFor keys review history by the original task so revision and
// conflict-resolution rounds accumulate onto one record.
func historyKeyFor(task *models.Task) string {
	if task.OriginalTaskID != "" {
		return task.OriginalTaskID
	}
	return task.ID
}
