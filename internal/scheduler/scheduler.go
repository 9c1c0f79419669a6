package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/moelog/aiqna/internal/answer"
	"github.com/moelog/aiqna/internal/cachekey"
	"github.com/moelog/aiqna/internal/content"
	"github.com/moelog/aiqna/internal/render"
	"github.com/moelog/aiqna/internal/store"
)

const (
	// DefaultFirstDelay gives the host time to finish publishing before
	// the first generation job fires.
	DefaultFirstDelay = 60 * time.Second
	// DefaultStagger spaces sibling jobs so one item's questions do not
	// hit the provider at once.
	DefaultStagger = 90 * time.Second

	// scheduleLockTTL suppresses duplicate enqueues from concurrent
	// publish events.
	scheduleLockTTL = 60 * time.Second

	// Failed jobs are retried with a growing delay, then abandoned. The
	// next on-demand request regenerates the page anyway.
	maxJobRetries    = 2
	retryBackoffUnit = 300 * time.Second
	retryCounterTTL  = 24 * time.Hour

	// publishedMarkerTTL bounds the first-publish marker; long enough
	// that re-publishing an item does not re-trigger a burst.
	publishedMarkerTTL = 365 * 24 * time.Hour

	// maxContextChars caps the article excerpt passed to the provider.
	maxContextChars = 6000
)

// Config tunes generation jobs.
type Config struct {
	Model       string
	Temperature *float32
	FirstDelay  time.Duration
	Stagger     time.Duration
}

// Scheduler enqueues and executes background page generation.
type Scheduler struct {
	cfg      Config
	queue    JobQueue
	eph      store.Ephemeral
	pages    *store.PageStore
	contents content.Store
	answers  *answer.Service
	renderer render.Renderer
	now      func() time.Time
}

func New(cfg Config, queue JobQueue, eph store.Ephemeral, pages *store.PageStore,
	contents content.Store, answers *answer.Service, renderer render.Renderer) *Scheduler {
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = DefaultFirstDelay
	}
	if cfg.Stagger <= 0 {
		cfg.Stagger = DefaultStagger
	}
	return &Scheduler{
		cfg:      cfg,
		queue:    queue,
		eph:      eph,
		pages:    pages,
		contents: contents,
		answers:  answers,
		renderer: renderer,
		now:      time.Now,
	}
}

// ScheduleSingle enqueues one generation job after delay. A job already
// queued for the same question, or a second call inside the lock window,
// is a no-op.
func (s *Scheduler) ScheduleSingle(ctx context.Context, contentID int64, question string, delay time.Duration) error {
	queued, err := s.queue.IsScheduled(ctx, JobNameGenerate, contentID, question)
	if err != nil {
		return err
	}
	if queued {
		return nil
	}

	acquired, err := s.eph.SetNX(ctx, cachekey.LockKey(contentID, question), "1", scheduleLockTTL)
	if err != nil {
		return fmt.Errorf("schedule lock for content %d failed: %w", contentID, err)
	}
	if !acquired {
		return nil
	}

	return s.queue.ScheduleAt(ctx, s.now().Add(delay), JobNameGenerate, contentID, question)
}

// OnPublish schedules generation for every question of a newly published
// item: first job after FirstDelay, the rest staggered behind it.
// Only the first transition to published triggers anything; later edits
// and re-publishes are ignored.
func (s *Scheduler) OnPublish(ctx context.Context, contentID int64) (int, error) {
	first, err := s.eph.SetNX(ctx, cachekey.PublishedKey(contentID), "1", publishedMarkerTTL)
	if err != nil {
		return 0, fmt.Errorf("publish marker for content %d failed: %w", contentID, err)
	}
	if !first {
		return 0, nil
	}

	return s.scheduleMissing(ctx, contentID, s.cfg.FirstDelay)
}

// BatchGenerate queues jobs for every question of an item that has no
// live cached page. It returns how many were scheduled and how many were
// skipped as already cached.
func (s *Scheduler) BatchGenerate(ctx context.Context, contentID int64) (scheduled, skipped int, err error) {
	questions, err := s.contents.GetQuestions(ctx, contentID)
	if err != nil {
		return 0, 0, err
	}

	delay := time.Duration(0)
	for _, q := range questions {
		if s.pages.Exists(contentID, q.Text) {
			skipped++
			continue
		}
		if err := s.ScheduleSingle(ctx, contentID, q.Text, delay); err != nil {
			return scheduled, skipped, err
		}
		scheduled++
		delay += s.cfg.Stagger
	}
	return scheduled, skipped, nil
}

func (s *Scheduler) scheduleMissing(ctx context.Context, contentID int64, firstDelay time.Duration) (int, error) {
	questions, err := s.contents.GetQuestions(ctx, contentID)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	scheduled := 0
	delay := firstDelay
	for _, q := range questions {
		if s.pages.Exists(contentID, q.Text) {
			continue
		}
		if err := s.ScheduleSingle(ctx, contentID, q.Text, delay); err != nil {
			return scheduled, err
		}
		scheduled++
		delay += s.cfg.Stagger
	}
	return scheduled, nil
}

// CancelAll drops every pending generation job.
func (s *Scheduler) CancelAll(ctx context.Context) (int, error) {
	return s.queue.CancelAll(ctx, JobNameGenerate)
}

// Run executes one generation job: generate the answer, render the page,
// save it to the durable store. Failures are logged and rescheduled up
// to the retry cap.
func (s *Scheduler) Run(ctx context.Context, contentID int64, question string) {
	// Another path may have generated the page while the job waited.
	if s.pages.Exists(contentID, question) {
		s.resetRetries(ctx, contentID, question)
		return
	}

	if err := s.generate(ctx, contentID, question); err != nil {
		log.Printf("ERROR: generation job for content %d %q failed: %v", contentID, question, err)
		s.maybeRetry(ctx, contentID, question)
		return
	}
	s.resetRetries(ctx, contentID, question)
}

func (s *Scheduler) generate(ctx context.Context, contentID int64, question string) error {
	item, err := s.contents.GetContent(ctx, contentID)
	if err != nil {
		return err
	}
	if !item.Published {
		// Unpublished between scheduling and execution.
		return nil
	}

	lang := s.questionLang(ctx, contentID, question)

	text, err := s.answers.Generate(ctx, answer.Params{
		ContentID:   contentID,
		Question:    question,
		Lang:        lang,
		Context:     content.Truncate(item.Body, maxContextChars),
		Permalink:   item.Permalink,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return err
	}

	page, err := s.renderer.Render(ctx, render.Page{
		Title:       item.Title,
		Question:    question,
		Answer:      text,
		Lang:        lang,
		Permalink:   item.Permalink,
		GeneratedAt: s.now(),
	})
	if err != nil {
		return err
	}

	if err := s.pages.Save(contentID, question, page); err != nil {
		return fmt.Errorf("page save for content %d failed: %w", contentID, err)
	}
	return nil
}

func (s *Scheduler) questionLang(ctx context.Context, contentID int64, question string) string {
	if questions, err := s.contents.GetQuestions(ctx, contentID); err == nil {
		for _, q := range questions {
			if q.Text == question && q.Lang != "" && q.Lang != "auto" {
				return q.Lang
			}
		}
	}
	return content.DetectLanguage(question)
}

// maybeRetry re-queues a failed job with a growing delay, abandoning it
// once the cap is reached.
func (s *Scheduler) maybeRetry(ctx context.Context, contentID int64, question string) {
	attempt, err := s.eph.Incr(ctx, cachekey.RetryKey(contentID, question), retryCounterTTL)
	if err != nil {
		log.Printf("WARN: retry counter for content %d failed: %v", contentID, err)
		return
	}
	if attempt > maxJobRetries {
		log.Printf("WARN: giving up on content %d %q after %d retries", contentID, question, maxJobRetries)
		return
	}

	delay := retryBackoffUnit * time.Duration(attempt)
	if err := s.queue.ScheduleAt(ctx, s.now().Add(delay), JobNameGenerate, contentID, question); err != nil {
		log.Printf("WARN: retry enqueue for content %d failed: %v", contentID, err)
	}
}

func (s *Scheduler) resetRetries(ctx context.Context, contentID int64, question string) {
	if err := s.eph.Delete(ctx, cachekey.RetryKey(contentID, question)); err != nil {
		log.Printf("WARN: retry counter reset for content %d failed: %v", contentID, err)
	}
}
