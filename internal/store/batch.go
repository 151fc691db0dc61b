package store

import "context"

// DefaultFlushEvery is the number of buffered EC rows that triggers a write.
const DefaultFlushEvery = 10000

// BatchWriter buffers EC rows of one variant and writes them in batches.
// It stamps VariantID on every row it receives.
type BatchWriter struct {
	ctx        context.Context
	st         Store
	variantID  int64
	flushEvery int
	buf        []ECRow
	rows       int64
}

// NewBatchWriter returns a writer for variantID. flushEvery <= 0 selects
// DefaultFlushEvery. ctx bounds every write the writer makes.
func NewBatchWriter(ctx context.Context, st Store, variantID int64, flushEvery int) *BatchWriter {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &BatchWriter{
		ctx:        ctx,
		st:         st,
		variantID:  variantID,
		flushEvery: flushEvery,
		buf:        make([]ECRow, 0, flushEvery),
	}
}

// Add buffers r and flushes when the buffer is full.
func (w *BatchWriter) Add(r ECRow) error {
	r.VariantID = w.variantID
	w.buf = append(w.buf, r)
	if len(w.buf) >= w.flushEvery {
		return w.Flush()
	}
	return nil
}

// Flush writes all buffered rows.
func (w *BatchWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.st.InsertECs(w.ctx, w.buf); err != nil {
		return err
	}
	w.rows += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// Close flushes the remaining rows. The underlying store stays open.
func (w *BatchWriter) Close() error { return w.Flush() }

// Rows is the number of rows written so far.
func (w *BatchWriter) Rows() int64 { return w.rows }
