package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/use-agent/pagefetch/extract"
	"github.com/use-agent/pagefetch/models"
	"github.com/use-agent/pagefetch/webhook"
)

// Notifier delivers batch completion events. *webhook.Notifier satisfies it.
type Notifier interface {
	DeliverAsync(url, secret string, event *webhook.Event) <-chan struct{}
}

// Batches holds in-flight and finished batch jobs. Finished jobs are
// dropped once they are older than the TTL.
type Batches struct {
	mu   sync.RWMutex
	jobs map[string]*models.BatchJob

	ttl time.Duration
	now func() time.Time

	// ctx is the parent of every batch run; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// NewBatches creates a job store and starts its expiry goroutine.
func NewBatches(ttl time.Duration) *Batches {
	if ttl <= 0 {
		ttl = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batches{
		jobs:   make(map[string]*models.BatchJob),
		ttl:    ttl,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

// Stop cancels running batches, waits for them and ends the expiry loop.
func (b *Batches) Stop() {
	b.once.Do(func() {
		b.cancel()
		close(b.done)
	})
	b.wg.Wait()
}

func (b *Batches) create(total int) string {
	job := &models.BatchJob{
		ID:        "batch-" + uuid.NewString(),
		Status:    models.BatchProcessing,
		Total:     total,
		Results:   make([]*models.FetchResult, total),
		CreatedAt: b.now().Unix(),
	}
	b.mu.Lock()
	b.jobs[job.ID] = job
	b.mu.Unlock()
	return job.ID
}

// Get returns a snapshot of the job.
func (b *Batches) Get(id string) (models.BatchStatusResponse, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	job, ok := b.jobs[id]
	if !ok {
		return models.BatchStatusResponse{}, false
	}
	return job.Snapshot(), true
}

func (b *Batches) record(id string, idx int, res *models.FetchResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return
	}
	job.Results[idx] = res
	job.Completed++
	if !res.Success {
		job.Failed++
	}
}

func (b *Batches) finish(id string) (models.BatchStatusResponse, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return models.BatchStatusResponse{}, false
	}
	switch {
	case job.Failed == job.Total:
		job.Status = models.BatchFailed
	case job.Failed > 0 || job.Completed < job.Total:
		job.Status = models.BatchPartial
	default:
		job.Status = models.BatchCompleted
	}
	return job.Snapshot(), true
}

func (b *Batches) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.expire()
		}
	}
}

func (b *Batches) expire() {
	cutoff := b.now().Add(-b.ttl).Unix()
	b.mu.Lock()
	for id, job := range b.jobs {
		if job.Status != models.BatchProcessing && job.CreatedAt < cutoff {
			delete(b.jobs, id)
		}
	}
	b.mu.Unlock()
}

// PostBatch returns a handler for POST /api/v1/batch/fetch.
// It validates the request, registers a job and fetches the URLs in the
// background with at most concurrency fetches in flight.
func PostBatch(f Fetcher, store *Batches, notifier Notifier, concurrency, defaultTimeoutMs int) gin.HandlerFunc {
	if concurrency <= 0 {
		concurrency = 5
	}
	return func(c *gin.Context) {
		var req models.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := extract.ValidateSelectors(req.Options.TargetSelector, req.Options.RemoveSelectors); err != nil {
			badRequest(c, err.Error())
			return
		}

		id := store.create(len(req.URLs))
		store.wg.Add(1)
		go func() {
			defer store.wg.Done()
			runBatch(store, f, notifier, id, req, concurrency, defaultTimeoutMs)
		}()

		c.JSON(http.StatusOK, models.BatchResponse{
			ID:     id,
			Status: models.BatchProcessing,
			Total:  len(req.URLs),
		})
	}
}

// GetBatch returns a handler for GET /api/v1/batch/:id.
func GetBatch(store *Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, ok := store.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeNotFound,
					Message: "batch job not found",
				},
			})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func runBatch(store *Batches, f Fetcher, notifier Notifier, id string, req models.BatchRequest, concurrency, defaultTimeoutMs int) {
	start := time.Now()

	g, ctx := errgroup.WithContext(store.ctx)
	g.SetLimit(concurrency)
	for i, rawURL := range req.URLs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			freq := &models.FetchRequest{
				URL:             rawURL,
				Preset:          req.Options.Preset,
				TimeoutMs:       req.Options.TimeoutMs,
				TargetSelector:  req.Options.TargetSelector,
				RemoveSelectors: req.Options.RemoveSelectors,
			}
			freq.Defaults(defaultTimeoutMs)
			store.record(id, i, f.Fetch(ctx, freq))
			return nil
		})
	}
	_ = g.Wait()

	status, ok := store.finish(id)
	if !ok {
		return
	}
	slog.Info("batch job finished",
		"id", id,
		"status", status.Status,
		"completed", status.Completed,
		"failed", status.Failed,
		"total", status.Total,
		"duration", time.Since(start),
	)

	if req.WebhookURL != "" && notifier != nil {
		notifier.DeliverAsync(req.WebhookURL, req.WebhookSecret, &webhook.Event{
			Type:      "batch.completed",
			JobID:     id,
			Timestamp: time.Now().Unix(),
			Data:      status,
		})
	}
}
