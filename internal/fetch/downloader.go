package fetch

import (
	"context"
	"fmt"
	"sync"

	"framebufd/internal/buffer"
	"framebufd/internal/config"
	"framebufd/internal/logger"
	"framebufd/internal/metrics"
	"framebufd/internal/models"

	"golang.org/x/sync/errgroup"
)

// Task asks for every frame of Range to be fetched from Source.
type Task struct {
	Source config.Source
	Range  buffer.Range
	// Tag identifies the reservation the caller made for this window.
	Tag    string
	Result chan<- Result
}

// Result carries the frames of a Task in order, or the first error hit.
type Result struct {
	Task   Task
	Frames []models.Frame
	Error  error
}

// Downloader is a fixed pool of workers fetching frame windows.
type Downloader struct {
	client      *Client
	logger      logger.Logger
	concurrency int
	tasks       chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDownloader starts workers goroutines. Each fetches up to concurrency frames of a window at once.
func NewDownloader(client *Client, log logger.Logger, workers, concurrency int) *Downloader {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Downloader{
		client:      client,
		logger:      log,
		concurrency: concurrency,
		tasks:       make(chan Task, workers*4),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// QueueDownload hands a task to the pool, blocking while the queue is full.
// It reports false if the downloader was stopped first.
func (d *Downloader) QueueDownload(task Task) bool {
	select {
	case d.tasks <- task:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// Stop cancels in-flight fetches and waits for the workers to exit.
func (d *Downloader) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Downloader) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debugf("Download worker %d stopped.", id)
			return
		case task := <-d.tasks:
			frames, err := d.fetchWindow(d.ctx, task)
			result := metrics.ResultOK
			if err != nil {
				result = metrics.ResultError
			}
			metrics.CounterFetches.WithLabelValues(task.Source.ID, result).Inc()

			select {
			case task.Result <- Result{Task: task, Frames: frames, Error: err}:
			case <-d.ctx.Done():
				return
			}
		}
	}
}

func (d *Downloader) fetchWindow(ctx context.Context, task Task) ([]models.Frame, error) {
	d.logger.Debugf("Fetching window %s of %s", task.Range, task.Source.ID)

	frames := make([]models.Frame, task.Range.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i := range frames {
		g.Go(func() error {
			f, err := d.client.FetchFrame(gctx, task.Source, task.Range.Start+i)
			if err != nil {
				return err
			}
			frames[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch window %s of %s: %w", task.Range, task.Source.ID, err)
	}
	return frames, nil
}
