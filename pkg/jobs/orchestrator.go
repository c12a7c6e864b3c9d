package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Sepzie/SingWithMe/pkg/artifacts"
	"github.com/Sepzie/SingWithMe/pkg/audio"
	"github.com/Sepzie/SingWithMe/pkg/logging"
	"github.com/Sepzie/SingWithMe/pkg/lyrics"
	"github.com/Sepzie/SingWithMe/pkg/metrics"
	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/Sepzie/SingWithMe/pkg/separation"
	"github.com/Sepzie/SingWithMe/pkg/store"
	"github.com/Sepzie/SingWithMe/pkg/tracing"
	"github.com/Sepzie/SingWithMe/pkg/transcription"
	"github.com/Sepzie/SingWithMe/pkg/upstream"
)

var (
	// ErrQueueFull is returned by Submit when no more jobs can be buffered
	ErrQueueFull = errors.New("job queue is full")
	// ErrAlreadyQueued is returned when a job id was already submitted or has already run
	ErrAlreadyQueued = errors.New("job already queued")
	// ErrClosed is returned by Submit after Shutdown
	ErrClosed = errors.New("orchestrator is shut down")
)

// Restart and shutdown causes recorded on jobs that could not finish
const (
	InterruptedCause = "interrupted by server restart"
	shutdownCause    = "interrupted by server shutdown"
	noSegmentsCause  = "no segments found"
)

// Progress reported at each pipeline step
const (
	progressSeparating   = 0.1
	progressSeparated    = 0.6
	progressTranscribing = 0.7
	progressAssembled    = 0.9
	progressDone         = 1.0
)

// Separator splits an audio file into vocal and backing tracks
type Separator interface {
	Separate(ctx context.Context, audioPath, outDir string) (*separation.Result, error)
}

// Transcriber turns a vocal track into timed segments
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*transcription.Transcript, error)
}

// Normalizer re-encodes audio for the transcription service
type Normalizer interface {
	Normalize(ctx context.Context, in, outDir string) (string, error)
}

// Config holds orchestrator configuration
type Config struct {
	Workers      int           // concurrent pipeline runs
	QueueSize    int           // submitted jobs waiting for a worker
	StageTimeout time.Duration // budget of each remote stage; zero disables it
	OutputDir    string        // per-job working directories live under here
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		QueueSize:    32,
		StageTimeout: 10 * time.Minute,
		OutputDir:    "outputs",
	}
}

// Deps are the collaborators of an Orchestrator. Normalizer, Metrics and
// Tracer are optional.
type Deps struct {
	Tracker     *Tracker
	Separator   Separator
	Transcriber Transcriber
	Normalizer  Normalizer
	Artifacts   artifacts.Store
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Tracer      *tracing.Provider
}

// Request asks for one uploaded file to be processed
type Request struct {
	JobID     string
	AudioPath string
	Filename  string
}

// Orchestrator runs every submitted job through separation, transcription
// and lyrics assembly on a fixed pool of workers. Each job id runs at most once.
type Orchestrator struct {
	cfg  Config
	deps Deps

	queue chan Request

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Call Start to launch the workers.
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.NewNoopProvider()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		queue:    make(chan Request, cfg.QueueSize),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool. Calling it again has no effect.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.closed {
		return
	}
	o.started = true

	o.deps.Logger.Info("Starting job orchestrator", map[string]interface{}{
		"workers":       o.cfg.Workers,
		"queue_size":    o.cfg.QueueSize,
		"stage_timeout": o.cfg.StageTimeout.String(),
	})

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
}

// Submit queues req for processing without waiting for it to run
func (o *Orchestrator) Submit(ctx context.Context, req Request) error {
	if req.JobID == "" {
		return fmt.Errorf("job id is required")
	}

	// a job that has already left uploaded belongs to an earlier run
	if job, err := o.deps.Tracker.Get(ctx, req.JobID); err == nil && job.State != models.JobStateUploaded {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyQueued, req.JobID, job.State)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if _, ok := o.inflight[req.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, req.JobID)
	}

	select {
	case o.queue <- req:
	default:
		return ErrQueueFull
	}
	o.inflight[req.JobID] = struct{}{}

	if m := o.deps.Metrics; m != nil {
		m.JobsSubmitted.Inc()
		m.QueueDepth.Set(float64(len(o.queue)))
	}
	o.deps.Logger.Debug("Job queued", map[string]interface{}{
		"job_id":      req.JobID,
		"queue_depth": len(o.queue),
	})
	return nil
}

// Shutdown stops accepting jobs and waits for queued and running ones to finish.
// If ctx expires first the running stages are cancelled and ctx's error is returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		o.deps.Logger.Info("Job orchestrator stopped")
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		o.deps.Logger.Warn("Job orchestrator stop timed out, running jobs were cancelled")
		return ctx.Err()
	}
}

// Recover fails every job left unfinished by a previous process.
// It returns how many jobs were marked.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stale, err := o.deps.Tracker.store.ListJobs(ctx, models.JobStateUploaded, models.JobStateProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	marked := 0
	for _, job := range stale {
		next := job.Clone()
		next.State = models.JobStateFailed
		next.Error = InterruptedCause
		next.Message = ""
		next.UpdatedAt = time.Now().UTC()
		if err := o.deps.Tracker.Put(ctx, next); err != nil {
			o.deps.Logger.Error("Failed to mark interrupted job", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			continue
		}
		marked++
	}

	if marked > 0 {
		o.deps.Logger.Info("Marked interrupted jobs as failed", map[string]interface{}{
			"count": marked,
		})
	}
	return marked, nil
}

// QueueDepth returns the number of jobs waiting for a worker
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func (o *Orchestrator) worker(n int) {
	defer o.wg.Done()
	for req := range o.queue {
		if m := o.deps.Metrics; m != nil {
			m.QueueDepth.Set(float64(len(o.queue)))
		}
		o.run(o.ctx, req)

		o.mu.Lock()
		delete(o.inflight, req.JobID)
		o.mu.Unlock()
	}
}

// run drives one job to a terminal state. It never panics.
func (o *Orchestrator) run(ctx context.Context, req Request) {
	log := o.deps.Logger.WithFields(map[string]interface{}{
		"job_id":   req.JobID,
		"filename": req.Filename,
	})
	ctx, span := o.deps.Tracer.StartSpan(ctx, "job.run",
		attribute.String("job.id", req.JobID),
		attribute.String("job.filename", req.Filename),
	)
	defer span.End()

	if m := o.deps.Metrics; m != nil {
		m.JobsInFlight.Inc()
		defer m.JobsInFlight.Dec()
	}

	p := &pipeline{o: o, req: req, log: log}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			p.fail(ctx, fmt.Errorf("internal error: %v", r))
			o.finish("panic")
		}
	}()

	start := time.Now()
	log.Info("Processing job")

	if err := p.execute(ctx); err != nil {
		tracing.SetError(ctx, err)
		p.fail(ctx, err)
		log.Warn("Job failed", map[string]interface{}{
			"error":    p.cause(err),
			"duration": time.Since(start).String(),
		})
		o.finish("failed")
		return
	}

	log.Info("Job completed", map[string]interface{}{
		"segments": p.segments,
		"duration": time.Since(start).String(),
	})
	o.finish("completed")
}

func (o *Orchestrator) finish(outcome string) {
	if m := o.deps.Metrics; m != nil {
		m.JobsFinished.WithLabelValues(outcome).Inc()
	}
}

// pipeline holds the state of one run
type pipeline struct {
	o   *Orchestrator
	req Request
	log *logging.Logger

	job      *models.Job
	segments int
	failed   bool
}

// stageError records which stage failed and whether it ran out of time
type stageError struct {
	stage    string
	timedOut bool
	err      error
}

func (e *stageError) Error() string {
	if e.timedOut {
		return e.stage + " timed out"
	}
	return e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

func (p *pipeline) execute(ctx context.Context) error {
	job, err := p.o.deps.Tracker.Get(ctx, p.req.JobID)
	if err != nil {
		if !errors.Is(err, store.ErrStoreUnavailable) && !errors.Is(err, store.ErrJobNotFound) {
			return err
		}
		// the initial record never made it to the store
		job = models.NewJob(p.req.JobID, p.req.Filename)
	}
	p.job = job

	outDir := filepath.Join(p.o.cfg.OutputDir, p.req.JobID)

	if err := p.update(ctx, models.JobStateProcessing, progressSeparating, "separating audio"); err != nil {
		return err
	}

	var sep *separation.Result
	err = p.stage(ctx, "separation", func(ctx context.Context) error {
		var err error
		sep, err = p.o.deps.Separator.Separate(ctx, p.req.AudioPath, outDir)
		return err
	})
	if err != nil {
		return err
	}
	if sep.InstrumentalErr != nil {
		p.log.Warn("Backing track unavailable, continuing with vocals only", map[string]interface{}{
			"error": sep.InstrumentalErr.Error(),
		})
	}
	if err := p.saveArtifact(ctx, separation.VocalFile, sep.VocalPath); err != nil {
		return err
	}
	if sep.InstrumentalPath != "" {
		if err := p.saveArtifact(ctx, separation.InstrumentalFile, sep.InstrumentalPath); err != nil {
			return err
		}
	}
	if err := p.update(ctx, models.JobStateProcessing, progressSeparated, "separation complete"); err != nil {
		return err
	}

	vocal := p.normalize(ctx, sep.VocalPath, outDir)
	if err := p.update(ctx, models.JobStateProcessing, progressTranscribing, "transcribing"); err != nil {
		return err
	}

	var transcript *transcription.Transcript
	err = p.stage(ctx, "transcription", func(ctx context.Context) error {
		var err error
		transcript, err = p.o.deps.Transcriber.Transcribe(ctx, vocal)
		return err
	})
	if err != nil {
		return err
	}

	timeline := lyrics.Assemble(transcript.Segments)
	p.segments = len(timeline)
	lyricsPath := filepath.Join(outDir, lyrics.FileName)
	if err := lyrics.WriteFile(lyricsPath, timeline); err != nil {
		return err
	}
	if err := p.saveArtifact(ctx, lyrics.FileName, lyricsPath); err != nil {
		return err
	}
	if err := p.update(ctx, models.JobStateProcessing, progressAssembled, "lyrics ready"); err != nil {
		return err
	}

	return p.update(ctx, models.JobStateCompleted, progressDone, "completed")
}

// stage runs fn under the stage budget with its own span and duration metric
func (p *pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.o.deps.Tracer.StartSpan(ctx, "job."+name, attribute.String("job.id", p.req.JobID))
	defer span.End()

	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.o.cfg.StageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, p.o.cfg.StageTimeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(stageCtx)
	if m := p.o.deps.Metrics; m != nil {
		m.ObserveStage(name, start, err)
	}
	if err == nil {
		tracing.AddEvent(ctx, name+".done")
		return nil
	}

	tracing.SetError(ctx, err)
	timedOut := errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return &stageError{stage: name, timedOut: timedOut, err: upstream.Wrap(name, err)}
}

// normalize returns the re-encoded vocal track, or the original when that fails
func (p *pipeline) normalize(ctx context.Context, vocal, outDir string) string {
	if p.o.deps.Normalizer == nil {
		return vocal
	}
	out, err := p.o.deps.Normalizer.Normalize(ctx, vocal, outDir)
	if err != nil {
		if !errors.Is(err, audio.ErrDisabled) {
			p.log.Warn("Normalization failed, using original vocal track", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return vocal
	}
	return out
}

func (p *pipeline) saveArtifact(ctx context.Context, name, path string) error {
	if p.o.deps.Artifacts == nil {
		return nil
	}
	if err := p.o.deps.Artifacts.Put(ctx, p.req.JobID, name, path); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	return nil
}

// update writes the next record of the job. An unreachable store does not
// stop the run; observers still get the update.
func (p *pipeline) update(ctx context.Context, state models.JobState, progress float64, message string) error {
	next := p.job.Clone()
	next.State = state
	next.Progress = models.Progress(progress)
	next.Message = message
	next.UpdatedAt = time.Now().UTC()

	if err := p.o.deps.Tracker.Put(ctx, next); err != nil && !errors.Is(err, store.ErrStoreUnavailable) {
		return err
	}
	p.job = next
	return nil
}

// fail moves the job to failed with the cause of err. Only the first call has an effect.
func (p *pipeline) fail(ctx context.Context, err error) {
	if p.failed {
		return
	}
	p.failed = true

	next := models.NewJob(p.req.JobID, p.req.Filename)
	if p.job != nil {
		next = p.job.Clone()
	}
	next.State = models.JobStateFailed
	next.Error = p.cause(err)
	next.Message = ""
	next.UpdatedAt = time.Now().UTC()

	// the run context may already be cancelled during shutdown
	putCtx := context.WithoutCancel(ctx)
	if perr := p.o.deps.Tracker.Put(putCtx, next); perr != nil && !errors.Is(perr, store.ErrStoreUnavailable) {
		p.log.Error("Failed to record job failure", map[string]interface{}{
			"cause": next.Error,
			"error": perr.Error(),
		})
	}
	p.job = next
}

// cause turns a pipeline error into the text stored on the failed job
func (p *pipeline) cause(err error) string {
	var se *stageError
	switch {
	case errors.Is(err, transcription.ErrNoSegments):
		return noSegmentsCause
	case errors.As(err, &se) && se.timedOut:
		return se.Error()
	case errors.Is(err, context.Canceled) && p.o.ctx.Err() != nil:
		return shutdownCause
	default:
		return err.Error()
	}
}
