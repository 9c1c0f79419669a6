// Package scheduler pre-generates answer pages in the background so the
// first reader of a published item hits the durable cache.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobNameGenerate is the only job kind the scheduler enqueues today.
const JobNameGenerate = "generate"

// Job is one due unit of work. ID is assigned at dequeue time and only
// used to correlate log lines.
type Job struct {
	ID        string
	Name      string
	ContentID int64
	Question  string
	RunAt     time.Time
}

// JobQueue is a durable at-least-once delay queue. Scheduling the same
// (name, contentID, question) twice moves the run time rather than
// duplicating the job.
type JobQueue interface {
	ScheduleAt(ctx context.Context, runAt time.Time, name string, contentID int64, question string) error
	IsScheduled(ctx context.Context, name string, contentID int64, question string) (bool, error)
	// Due returns up to limit jobs whose run time has passed. Jobs stay
	// queued until Ack'd, so a crashed worker's jobs are re-delivered.
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Ack(ctx context.Context, job Job) error
	CancelAll(ctx context.Context, name string) (int, error)
}

func member(name string, contentID int64, question string) string {
	return fmt.Sprintf("%s|%d|%s", name, contentID, question)
}

func parseMember(m string) (name string, contentID int64, question string, ok bool) {
	parts := strings.SplitN(m, "|", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], id, parts[2], true
}

// ====== Redis queue ======

const jobsKey = "aiqna:jobs"

// RedisQueue stores jobs in a sorted set scored by run time.
type RedisQueue struct {
	rdb *redis.Client
}

var _ JobQueue = (*RedisQueue)(nil)

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) ScheduleAt(ctx context.Context, runAt time.Time, name string, contentID int64, question string) error {
	err := q.rdb.ZAdd(ctx, jobsKey, redis.Z{
		Score:  float64(runAt.Unix()),
		Member: member(name, contentID, question),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) IsScheduled(ctx context.Context, name string, contentID int64, question string) (bool, error) {
	err := q.rdb.ZScore(ctx, jobsKey, member(name, contentID, question)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check job: %w", err)
	}
	return true, nil
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	res, err := q.rdb.ZRangeByScoreWithScores(ctx, jobsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}

	jobs := make([]Job, 0, len(res))
	for _, z := range res {
		m, _ := z.Member.(string)
		name, contentID, question, ok := parseMember(m)
		if !ok {
			// Malformed member, drop it so it cannot wedge the queue.
			q.rdb.ZRem(ctx, jobsKey, z.Member)
			continue
		}
		jobs = append(jobs, Job{
			ID:        uuid.NewString(),
			Name:      name,
			ContentID: contentID,
			Question:  question,
			RunAt:     time.Unix(int64(z.Score), 0),
		})
	}
	return jobs, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	return q.rdb.ZRem(ctx, jobsKey, member(job.Name, job.ContentID, job.Question)).Err()
}

func (q *RedisQueue) CancelAll(ctx context.Context, name string) (int, error) {
	members, err := q.rdb.ZRange(ctx, jobsKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	var victims []interface{}
	for _, m := range members {
		if n, _, _, ok := parseMember(m); ok && n == name {
			victims = append(victims, m)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	removed, err := q.rdb.ZRem(ctx, jobsKey, victims...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	return int(removed), nil
}

// ====== In-memory queue ======

// MemoryQueue is a JobQueue for tests and single-process deployments.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]time.Time // member -> run at
}

var _ JobQueue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]time.Time)}
}

func (q *MemoryQueue) ScheduleAt(_ context.Context, runAt time.Time, name string, contentID int64, question string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[member(name, contentID, question)] = runAt
	return nil
}

func (q *MemoryQueue) IsScheduled(_ context.Context, name string, contentID int64, question string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[member(name, contentID, question)]
	return ok, nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []Job
	for m, runAt := range q.jobs {
		if runAt.After(now) {
			continue
		}
		name, contentID, question, ok := parseMember(m)
		if !ok {
			delete(q.jobs, m)
			continue
		}
		jobs = append(jobs, Job{
			ID:        uuid.NewString(),
			Name:      name,
			ContentID: contentID,
			Question:  question,
			RunAt:     runAt,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, member(job.Name, job.ContentID, job.Question))
	return nil
}

func (q *MemoryQueue) CancelAll(_ context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for m := range q.jobs {
		if n, _, _, ok := parseMember(m); ok && n == name {
			delete(q.jobs, m)
			removed++
		}
	}
	return removed, nil
}
