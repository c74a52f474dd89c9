package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/meshline/internal/types"
	"github.com/google/uuid"
)

// AnnotationWriter persists frame metadata for a session.
type AnnotationWriter interface {
	InsertAnnotations(ctx context.Context, session uuid.UUID, frames []*types.AnnotatedFrame) error
}

// Recorder buffers frame metadata and writes it in batches. Pixels are not
// kept.
type Recorder struct {
	w         AnnotationWriter
	session   uuid.UUID
	batchSize int
	timeout   time.Duration
	batch     []*types.AnnotatedFrame
}

// NewRecorder records into session through w, flushing every batchSize
// frames. timeout bounds each write.
func NewRecorder(w AnnotationWriter, session uuid.UUID, batchSize int, timeout time.Duration) *Recorder {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Recorder{w: w, session: session, batchSize: batchSize, timeout: timeout}
}

func (r *Recorder) Accept(ctx context.Context, f *types.AnnotatedFrame) error {
	r.batch = append(r.batch, &types.AnnotatedFrame{
		RawFrame: types.RawFrame{Sequence: f.Sequence, Timestamp: f.Timestamp, Width: f.Width, Height: f.Height},
		Faces:    f.Faces,
	})
	if len(r.batch) < r.batchSize {
		return nil
	}
	return r.flush(ctx)
}

func (r *Recorder) flush(ctx context.Context) error {
	if len(r.batch) == 0 {
		return nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.w.InsertAnnotations(ctx, r.session, r.batch); err != nil {
		return fmt.Errorf("failed to record frames %d-%d: %w", r.batch[0].Sequence, r.batch[len(r.batch)-1].Sequence, err)
	}
	r.batch = nil
	return nil
}

// Close writes whatever is still buffered.
func (r *Recorder) Close() error {
	return r.flush(context.Background())
}
