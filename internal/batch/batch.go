// Package batch realizes spec.md's "record batch": a columnar,
// self-describing chunk (schema plus row-parallel typed buffers) with
// reference-counted ownership that passes from producer to shuffle store to
// fetch response to consumer pipeline (§3, §5 "Memory discipline").
//
// Apache Arrow's arrow.Record and arrow/memory.Allocator are exactly that
// contract, not an approximation of it, so this package is a thin set of
// helpers around github.com/apache/arrow-go/v18 rather than a hand-rolled
// columnar format: encode/decode a sequence of batches to/from a byte
// stream using Arrow's IPC stream framing (schema message once, then a
// message per record, matching the "schema sent once, then batches" wire
// shape in spec.md §4.1/§6).
package batch

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Allocator is the process-wide reference-counted buffer allocator. A single
// allocator is shared by every Batch so pooled buffers behave consistently
// across producer/store/consumer boundaries.
var Allocator memory.Allocator = memory.NewGoAllocator()

// Batch is a single record batch. It is the unit stored in the shuffle store
// and carried over the stream transport.
type Batch = arrow.Record

// Retain increments b's reference count, following the ownership-passing
// discipline in spec.md §5: a component that hands a Batch to another
// component (store append, fetch response, pipeline push) must Retain
// before handing it off if it also keeps its own reference.
func Retain(b Batch) {
	if b != nil {
		b.Retain()
	}
}

// Release decrements b's reference count, freeing underlying buffers once
// it reaches zero.
func Release(b Batch) {
	if b != nil {
		b.Release()
	}
}

// Writer serializes a sequence of batches sharing one schema onto w using
// Arrow's IPC stream format: the schema is written once at open, then one
// IPC message per subsequent Write call.
type Writer struct {
	w   *ipc.Writer
	out io.Writer
}

// NewWriter opens a Writer for schema, writing IPC-framed bytes to out.
func NewWriter(out io.Writer, schema *arrow.Schema) *Writer {
	return &Writer{
		w:   ipc.NewWriter(out, ipc.WithSchema(schema), ipc.WithAllocator(Allocator)),
		out: out,
	}
}

// Write appends one batch to the stream. It does not take ownership of b;
// callers retain their own reference-count responsibilities.
func (w *Writer) Write(b Batch) error {
	if err := w.w.Write(b); err != nil {
		return fmt.Errorf("batch: write record: %w", err)
	}
	return nil
}

// Close finalizes the IPC stream (end-of-stream marker).
func (w *Writer) Close() error {
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("batch: close writer: %w", err)
	}
	return nil
}

// Reader deserializes a sequence of batches from an Arrow IPC stream.
type Reader struct {
	r *ipc.Reader
}

// NewReader opens a Reader over an IPC stream produced by Writer. The schema
// is read immediately and available via Schema.
func NewReader(in io.Reader) (*Reader, error) {
	r, err := ipc.NewReader(in, ipc.WithAllocator(Allocator))
	if err != nil {
		return nil, fmt.Errorf("batch: open reader: %w", err)
	}
	return &Reader{r: r}, nil
}

// Schema returns the stream's schema, fixed for its lifetime.
func (r *Reader) Schema() *arrow.Schema {
	return r.r.Schema()
}

// Next advances to the next batch, reporting false at end-of-stream or on
// error (distinguish via Err).
func (r *Reader) Next() bool {
	return r.r.Next()
}

// Record returns the batch most recently advanced to by Next. The caller
// must Retain it if it is to be kept beyond the next Next call; the reader
// reuses/releases its own reference on each advance.
func (r *Reader) Record() Batch {
	return r.r.Record()
}

// Err returns the first non-EOF error encountered, if any.
func (r *Reader) Err() error {
	return r.r.Err()
}

// Release releases the reader's underlying resources.
func (r *Reader) Release() {
	r.r.Release()
}
