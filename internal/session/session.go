package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"framebufd/internal/buffer"
	"framebufd/internal/cache"
	"framebufd/internal/config"
	"framebufd/internal/fetch"
	"framebufd/internal/logger"
	"framebufd/internal/metrics"
	"framebufd/internal/models"

	"github.com/google/uuid"
)

const fetchTagPrefix = "fetch:"

var (
	// ErrUnknownSource is returned for a source ID missing from the configuration.
	ErrUnknownSource = errors.New("unknown source")
	// ErrFrameOutOfRange is returned for a frame index outside the source.
	ErrFrameOutOfRange = errors.New("frame out of range")
)

// FrameFetcher fetches a single frame synchronously.
type FrameFetcher interface {
	FetchFrame(ctx context.Context, src config.Source, frame int) (models.Frame, error)
}

// Queue accepts window fetches and reports them back on the task's result channel.
type Queue interface {
	QueueDownload(task fetch.Task) bool
}

// Snapshot is a point-in-time view of a session's buffer.
type Snapshot struct {
	Source      string         `json:"source"`
	Playhead    int            `json:"playhead"`
	TotalFrames int            `json:"total_frames"`
	Ranges      []buffer.Range `json:"ranges"`
	InFlight    []buffer.Range `json:"in_flight"`
}

// Session holds the playback state of one source.
type Session struct {
	Source config.Source
	Logger logger.Logger

	playback config.Playback
	cache    *cache.FrameCache
	fetcher  FrameFetcher
	queue    Queue

	// Guards buffers and playhead; buffer.Manager is not safe for concurrent use.
	mutex    sync.Mutex
	buffers  *buffer.Manager
	playhead int

	results chan fetch.Result

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(src config.Source, pb config.Playback, log logger.Logger, fc *cache.FrameCache, fetcher FrameFetcher, queue Queue) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		Source:   src,
		Logger:   log,
		playback: pb,
		cache:    fc,
		fetcher:  fetcher,
		queue:    queue,
		buffers:  buffer.NewManager(),
		results:  make(chan fetch.Result, pb.Workers*4),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start kicks off the background goroutines for the session.
func (s *Session) Start() {
	s.Logger.Infof("Starting background loops for session %s", s.Source.ID)
	s.wg.Add(2)
	go s.fetchLoop()
	go s.resultLoop()
}

// Stop terminates the background goroutines for the session.
func (s *Session) Stop() {
	s.Logger.Infof("Stopping background loops for session %s", s.Source.ID)
	s.cancel()
	s.wg.Wait()
}

// fetchLoop is the "producer" goroutine.
func (s *Session) fetchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.playback.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.Logger.Infof("Fetch loop for %s stopped.", s.Source.ID)
			return
		case <-ticker.C:
			s.FetchAhead()
		}
	}
}

// FetchAhead reserves and queues every missing chunk of the look-ahead window.
// It returns the number of chunks queued.
func (s *Session) FetchAhead() int {
	tasks := s.planFetches()
	queued := 0
	for _, task := range tasks {
		if !s.queue.QueueDownload(task) {
			s.release(task.Tag)
			continue
		}
		queued++
	}
	return queued
}

// planFetches reserves the gaps of the look-ahead window under the session lock.
func (s *Session) planFetches() []fetch.Task {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	window, ok := s.lookaheadWindow()
	if !ok {
		return nil
	}
	gap, ok := s.firstGap(window)
	if !ok {
		return nil
	}

	var tasks []fetch.Task
	for start := gap.Start; start <= gap.End; start += s.playback.ChunkSize {
		end := min(start+s.playback.ChunkSize-1, gap.End)
		chunk := buffer.Range{Start: start, End: end}
		tag := fetchTagPrefix + uuid.NewString()
		if err := s.buffers.AddNewRangeWithMetadata(chunk, tag); err != nil {
			s.Logger.Errorf("Failed to reserve chunk %s for %s: %v", chunk, s.Source.ID, err)
			continue
		}
		s.Logger.Debugf("Queueing chunk %s of %s", chunk, s.Source.ID)
		tasks = append(tasks, fetch.Task{
			Source: s.Source,
			Range:  chunk,
			Tag:    tag,
			Result: s.results,
		})
	}
	return tasks
}

func (s *Session) lookaheadWindow() (buffer.Range, bool) {
	last := s.Source.FrameCount - 1
	if s.playhead > last {
		return buffer.Range{}, false
	}
	end := min(s.playhead+s.playback.Lookahead-1, last)
	return buffer.Range{Start: s.playhead, End: end}, true
}

// firstGap walks the covered prefix of window. The manager only reports what follows the
// range holding the start, so the query is repeated while consecutive ranges keep
// covering the new start. The gap found is cut short at the next buffered range.
func (s *Session) firstGap(window buffer.Range) (buffer.Range, bool) {
	for {
		rest, ok := s.buffers.GetUnprocessedBufferRange(window)
		if !ok {
			return buffer.Range{}, false
		}
		if rest.Start != window.Start {
			window = rest
			continue
		}
		for _, b := range s.buffers.Ranges() {
			if b.Start > rest.Start && b.Start <= rest.End {
				rest.End = b.Start - 1
			}
		}
		return rest, true
	}
}

// resultLoop is a background goroutine that processes download results.
func (s *Session) resultLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.Logger.Infof("Result processing loop for %s stopped.", s.Source.ID)
			return
		case result := <-s.results:
			s.HandleResult(result)
		}
	}
}

// HandleResult records a finished window fetch. Failed windows stay unprocessed so the
// next tick picks them up again.
func (s *Session) HandleResult(result fetch.Result) {
	chunk := result.Task.Range
	if result.Error != nil {
		s.Logger.Warnf("Failed to fetch chunk %s of %s: %v", chunk, s.Source.ID, result.Error)
		s.release(result.Task.Tag)
		return
	}

	// Record before caching so evictions triggered by the adds find the chunk untagged.
	s.mutex.Lock()
	if idx := s.buffers.IndexOfMetadata(result.Task.Tag); idx != -1 {
		s.buffers.RemoveRangeAtIndex(idx)
	}
	if err := s.buffers.AddNewRange(chunk); err != nil {
		s.Logger.Errorf("Failed to record chunk %s of %s: %v", chunk, s.Source.ID, err)
	}
	s.updateGauge()
	s.mutex.Unlock()

	for _, f := range result.Frames {
		s.cache.Add(f)
	}

	s.Logger.Debugf("Buffered chunk %s of %s", chunk, s.Source.ID)
}

// release drops the reservation made for tag.
func (s *Session) release(tag string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if idx := s.buffers.IndexOfMetadata(tag); idx != -1 {
		s.buffers.RemoveRangeAtIndex(idx)
	}
}

// Frame returns frame n, fetching it synchronously on a cache miss. Reading a frame moves
// the playhead to it.
func (s *Session) Frame(ctx context.Context, n int) (models.Frame, error) {
	if n < 0 || n >= s.Source.FrameCount {
		return models.Frame{}, fmt.Errorf("%w: %d not in [0, %d)", ErrFrameOutOfRange, n, s.Source.FrameCount)
	}
	s.Seek(n)

	if f, found := s.cache.Get(s.Source.ID, n); found {
		return f, nil
	}

	f, err := s.fetcher.FetchFrame(ctx, s.Source, n)
	if err != nil {
		return models.Frame{}, fmt.Errorf("failed to fetch frame %d of %s: %w", n, s.Source.ID, err)
	}

	s.mutex.Lock()
	if err := s.buffers.AddNewRange(buffer.Range{Start: n, End: n}); err != nil {
		s.Logger.Errorf("Failed to record frame %d of %s: %v", n, s.Source.ID, err)
	}
	s.updateGauge()
	s.mutex.Unlock()

	s.cache.Add(f)
	return f, nil
}

// Seek moves the playhead, clamped to the source.
func (s *Session) Seek(n int) {
	n = max(0, min(n, s.Source.FrameCount-1))
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.playhead = n
}

// Reset discards every buffered range and cached frame of the source.
func (s *Session) Reset() {
	s.mutex.Lock()
	s.buffers.Reset()
	s.updateGauge()
	s.mutex.Unlock()

	removed := s.cache.RemoveSource(s.Source.ID)
	s.Logger.Infof("Reset session %s, dropped %d cached frames", s.Source.ID, removed)
}

// EvictFrame forgets a frame the cache dropped. In-flight reservations holding n are
// kept; their result records the chunk again once it lands.
func (s *Session) EvictFrame(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.buffers.RemoveUntaggedBufferValue(n)
	s.updateGauge()
}

// IsBuffered reports whether frame n is recorded as fetched or in flight.
func (s *Session) IsBuffered(n int) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.buffers.IsValueInBuffer(n)
}

// Snapshot reports the current buffer state.
func (s *Session) Snapshot() Snapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	snap := Snapshot{
		Source:   s.Source.ID,
		Playhead: s.playhead,
		Ranges:   []buffer.Range{},
		InFlight: []buffer.Range{},
	}
	tags := s.buffers.Metadata()
	for i, r := range s.buffers.Ranges() {
		if tag, ok := tags[i]; ok && strings.HasPrefix(tag, fetchTagPrefix) {
			snap.InFlight = append(snap.InFlight, r)
			continue
		}
		snap.Ranges = append(snap.Ranges, r)
	}
	snap.TotalFrames = s.buffers.BufferedFrames()
	return snap
}

// updateGauge must be called with s.mutex held.
func (s *Session) updateGauge() {
	metrics.GaugeFramesBuffered.WithLabelValues(s.Source.ID).Set(float64(s.buffers.BufferedFrames()))
}
