package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dataplane-io/strata/pkg/batch"
	"github.com/dataplane-io/strata/pkg/compression"
	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/logger"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/pool"
	"github.com/dataplane-io/strata/pkg/storage"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// State is a run's position in its lifecycle.
type State string

const (
	StateOpening   State = "opening"
	StateStreaming State = "streaming"
	StateDraining  State = "draining"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Spec describes one conversion: where to read, where to write, which
// formats, and an optional filter and projection.
type Spec struct {
	Input        string
	InputFormat  string // empty means infer from extension
	Output       string
	OutputFormat string // empty means infer from extension
	Filter       string
	Projection   []string
}

// Run is one end-to-end pipeline invocation. It owns a pipeline-scoped
// buffer pool and releases everything it holds on every exit path.
type Run struct {
	ID   string
	spec Spec
	cfg  *config.PipelineConfig

	registry *format.Registry
	storeFor func(ctx context.Context, loc storage.Location) (storage.Storage, error)
	logger   *zap.Logger

	mu    sync.Mutex
	state State
	pool  *pool.BufferPool
}

// NewRun builds a run from a spec. The configuration must already be
// validated.
func NewRun(spec Spec, cfg *config.PipelineConfig, registry *format.Registry) *Run {
	id := uuid.NewString()
	return &Run{
		ID:       id,
		spec:     spec,
		cfg:      cfg,
		registry: registry,
		storeFor: func(ctx context.Context, loc storage.Location) (storage.Storage, error) {
			return storage.NewFromLocation(ctx, loc, cfg)
		},
		logger: logger.Get().With(
			zap.String("component", "run"),
			zap.String("run_id", id)),
		state: StateOpening,
	}
}

// State reports the run's current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pool exposes the run's buffer pool once Execute has created it.
// Nil before Opening completes.
func (r *Run) Pool() *pool.BufferPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool
}

func (r *Run) transition(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.logger.Debug("state transition", zap.String("from", string(prev)), zap.String("to", string(s)))
}

// fail marks the run Failed and annotates the error with the run and
// the stage it failed in.
func (r *Run) fail(stage State, err error) error {
	r.transition(StateFailed)
	metrics.RunsCompleted.WithLabelValues(string(StateFailed)).Inc()
	serr := strataerrors.Wrap(err, strataerrors.TypeOf(err), "pipeline run failed").
		WithDetail("run_id", r.ID).
		WithDetail("stage", string(stage))
	r.logger.Error("run failed", zap.String("stage", string(stage)), zap.Error(err))
	return serr
}

// Execute drives the run to a terminal state. Cancelling ctx stops
// the run cooperatively: in-flight work finishes its current unit,
// held buffers are released, and the error surfaces as cancelled.
func (r *Run) Execute(ctx context.Context) error {
	start := time.Now()
	ctx = logger.ContextWithRunID(ctx, r.ID)

	// Opening.
	inLoc, err := storage.ParseLocation(r.spec.Input)
	if err != nil {
		return r.fail(StateOpening, err)
	}
	outLoc, err := storage.ParseLocation(r.spec.Output)
	if err != nil {
		return r.fail(StateOpening, err)
	}

	inStore, err := r.storeFor(ctx, inLoc)
	if err != nil {
		return r.fail(StateOpening, err)
	}
	outStore, err := r.storeFor(ctx, outLoc)
	if err != nil {
		return r.fail(StateOpening, err)
	}

	inFormat, err := r.createFormat(r.spec.InputFormat, inLoc.Path)
	if err != nil {
		return r.fail(StateOpening, err)
	}
	outFormat, err := r.createFormat(r.spec.OutputFormat, outLoc.Path)
	if err != nil {
		return r.fail(StateOpening, err)
	}

	var predicate *batch.Predicate
	if r.spec.Filter != "" {
		predicate, err = batch.ParsePredicate(r.spec.Filter)
		if err != nil {
			return r.fail(StateOpening, err)
		}
	}

	bufPool := pool.NewBufferPool(r.cfg)
	r.mu.Lock()
	r.pool = bufPool
	r.mu.Unlock()
	defer bufPool.Close()

	bridge := NewBridge(inStore, inLoc, inFormat, bufPool, r.cfg)

	// Streaming.
	r.transition(StateStreaming)
	stream, err := bridge.Scan(ctx, ScanOptions{
		Predicate:  predicate,
		Projection: r.spec.Projection,
	})
	if err != nil {
		return r.fail(StateStreaming, err)
	}

	if err := r.writeOutput(ctx, outStore, outLoc, outFormat, stream); err != nil {
		drain(stream)
		return r.fail(StateStreaming, err)
	}

	// Draining happened inside writeOutput; terminal bookkeeping here.
	r.transition(StateCompleted)
	metrics.RunsCompleted.WithLabelValues(string(StateCompleted)).Inc()
	r.logger.Info("run completed",
		zap.String("input", r.spec.Input),
		zap.String("output", r.spec.Output),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// createFormat resolves a format by explicit name, falling back to the
// path's extension.
func (r *Run) createFormat(name, path string) (format.Format, error) {
	identifier := name
	if identifier == "" {
		identifier = strings.TrimPrefix(filepath.Ext(compression.TrimExtension(path)), ".")
		if identifier == "" {
			return nil, strataerrors.Newf(strataerrors.ErrorTypeFormatNotFound,
				"no format given and %q has no extension to infer from", path)
		}
	}
	return r.registry.Create(identifier, r.cfg)
}

// writeOutput encodes the stream and commits it as one object. The
// encoder feeds a pipe whose read side goes to Storage.Write, so
// backend atomicity guarantees no partially-visible output.
func (r *Run) writeOutput(ctx context.Context, store storage.Storage, loc storage.Location,
	f format.Format, stream *batch.Stream) error {

	algo, err := compression.Parse(r.cfg.Storage.Compression)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- store.Write(ctx, loc.Path, pr)
	}()

	var sink io.Writer = pw
	var comp io.WriteCloser
	if algo != compression.None {
		var err error
		comp, err = compression.NewWriter(algo, pw)
		if err != nil {
			pw.CloseWithError(err)
			<-writeDone
			return err
		}
		sink = comp
	}

	encErr := f.Encode(ctx, stream, sink)

	// Draining: flush the compressor and the pipe, then wait for the
	// storage commit.
	r.transition(StateDraining)
	if comp != nil {
		if cerr := comp.Close(); cerr != nil && encErr == nil {
			encErr = strataerrors.Wrap(cerr, strataerrors.ErrorTypeEncode, "flush compressed output")
		}
	}
	if encErr != nil {
		pw.CloseWithError(encErr)
		<-writeDone
		return encErr
	}
	if err := pw.Close(); err != nil {
		<-writeDone
		return err
	}
	return <-writeDone
}
