package delivery

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/metrics"
	"github.com/stratosight/geotak/internal/queue"
)

const workerPrincipal = "system:delivery"

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

// Worker is the single long-lived delivery task. It peeks due queue items
// and fans them out to at most Concurrency concurrent pushes.
type Worker struct {
	queue   *queue.Queue
	journal *audit.Journal
	client  *TAKClient
	monitor *Monitor
	mirror  *Mirror // optional
	cfg     WorkerConfig

	sem      chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorker(q *queue.Queue, j *audit.Journal, client *TAKClient, monitor *Monitor, mirror *Mirror, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:    q,
		journal:  j,
		client:   client,
		monitor:  monitor,
		mirror:   mirror,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.runLoop()
}

// Stop cancels in-flight pushes and waits for them to revert their items.
// Cancelled pushes return to PENDING without consuming an attempt.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.cancel()
	})
	w.wg.Wait()
}

func (w *Worker) runLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
		case <-w.queue.Notify():
		}
		w.dispatch()
	}
}

func (w *Worker) dispatch() {
	metrics.QueueDepth.Set(float64(w.queue.Size()))
	if !w.monitor.Available() {
		return
	}

	free := w.cfg.Concurrency - len(w.sem)
	if free <= 0 {
		return
	}
	batch, err := w.queue.PeekBatch(free, time.Now())
	if err != nil {
		log.Printf("[ERROR] delivery: peek batch: %v", err)
		return
	}

	for _, item := range batch {
		select {
		case w.sem <- struct{}{}:
			w.wg.Add(1)
			go func(it queue.Item) {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.push(it)
			}(item)
		default:
			// Slot count raced; put the item back untouched.
			if err := w.queue.Revert(item.Seq, "dispatch raced"); err != nil {
				log.Printf("[ERROR] delivery: revert seq %d: %v", item.Seq, err)
			}
		}
	}
}

func (w *Worker) push(item queue.Item) {
	ctx, cancel := context.WithTimeout(w.ctx, pushTimeout)
	defer cancel()

	start := time.Now()
	result, pushErr := w.client.Push(ctx, item.CotXML)
	metrics.PushLatency.Observe(float64(time.Since(start).Milliseconds()))

	// Shutdown cancellation is not a delivery failure.
	if w.ctx.Err() != nil && result != PushOK {
		if err := w.queue.Revert(item.Seq, "cancelled"); err != nil {
			log.Printf("[ERROR] delivery: revert seq %d on shutdown: %v", item.Seq, err)
		}
		return
	}

	switch result {
	case PushOK:
		w.monitor.RecordPushResult(true)
		metrics.PushesTotal.WithLabelValues("ok").Inc()
		if err := w.queue.MarkSynced(item.Seq); err != nil {
			log.Printf("[ERROR] delivery: mark synced seq %d: %v", item.Seq, err)
			return
		}
		w.audit(item, audit.KindPushed, nil)
		w.audit(item, audit.KindSynced, nil)
		if w.mirror != nil {
			if err := w.mirror.Publish(item.DetectionID, item.CotXML); err != nil {
				log.Printf("[WARN] delivery: mirror publish: %v", err)
			}
		}

	case PushTransient:
		w.monitor.RecordPushResult(false)
		metrics.PushesTotal.WithLabelValues("transient").Inc()
		status, err := w.queue.MarkFailed(item.Seq, pushErr.Error(), time.Now())
		if err != nil {
			log.Printf("[ERROR] delivery: mark failed seq %d: %v", item.Seq, err)
			return
		}
		w.audit(item, audit.KindPushFailed, map[string]string{
			"error":    pushErr.Error(),
			"attempts": strconv.Itoa(item.Attempts + 1),
		})
		if status == queue.StatusFailed {
			w.audit(item, audit.KindRetryExhausted, map[string]string{"error": pushErr.Error()})
			log.Printf("[WARN] delivery: detection %s exhausted retries: %v", item.DetectionID, pushErr)
		}

	case PushTerminal:
		metrics.PushesTotal.WithLabelValues("terminal").Inc()
		if err := w.queue.MarkTerminal(item.Seq, pushErr.Error()); err != nil {
			log.Printf("[ERROR] delivery: mark terminal seq %d: %v", item.Seq, err)
			return
		}
		w.audit(item, audit.KindRetryExhausted, map[string]string{"error": pushErr.Error()})
		log.Printf("[WARN] delivery: detection %s rejected by server: %v", item.DetectionID, pushErr)
	}
}

func (w *Worker) audit(item queue.Item, kind audit.Kind, attrs map[string]string) {
	if _, err := w.journal.Append(item.DetectionID, kind, workerPrincipal, attrs); err != nil {
		log.Printf("[ERROR] delivery: audit %s for %s: %v", kind, item.DetectionID, err)
	}
}

// EvictAtCapacity frees n slots by dropping the oldest pending items, each
// audited as RETRY_EXHAUSTED. Returns how many were dropped.
func (w *Worker) EvictAtCapacity(n int) (int, error) {
	dropped, err := w.queue.DropOldestPending(n)
	for _, item := range dropped {
		w.audit(item, audit.KindRetryExhausted, map[string]string{"error": "evicted at capacity"})
	}
	if err != nil {
		return len(dropped), fmt.Errorf("delivery: evict: %w", err)
	}
	return len(dropped), nil
}
