package shuffle_test

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/shuffle"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "n", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func makeRecord(t *testing.T, values ...int64) arrow.Record {
	t.Helper()
	bldr := array.NewInt64Builder(memory.NewGoAllocator())
	defer bldr.Release()
	bldr.AppendValues(values, nil)
	col := bldr.NewArray()
	defer col.Release()
	return array.NewRecord(testSchema, []arrow.Array{col}, int64(len(values)))
}

func TestOpen_DuplicateChannel_InvalidArgument(t *testing.T) {
	store := shuffle.New()
	w, err := store.Open("c1", testSchema, shuffle.SingleConsumer)
	require.NoError(t, err)
	defer w.Close()

	_, err = store.Open("c1", testSchema, shuffle.SingleConsumer)
	assert.ErrorIs(t, err, errs.InvalidArgument)
}

func TestSubscribe_UnknownChannel_NotFound(t *testing.T) {
	store := shuffle.New()
	_, err := store.Subscribe("missing")
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestAppendThenSubscribe_DeliversInOrder(t *testing.T) {
	store := shuffle.New()
	w, err := store.Open("c1", testSchema, shuffle.SingleConsumer)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Append(ctx, makeRecord(t, 1)))
	require.NoError(t, w.Append(ctx, makeRecord(t, 2)))
	require.NoError(t, w.Close())

	r, err := store.Subscribe("c1")
	require.NoError(t, err)

	rec1, err := r.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec1)
	assert.Equal(t, int64(1), rec1.Column(0).(*array.Int64).Value(0))

	rec2, err := r.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec2)
	assert.Equal(t, int64(2), rec2.Column(0).(*array.Int64).Value(0))

	rec3, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec3) // clean end-of-stream

	r.Release()

	// single-consumer: releasing the sole reader evicts the channel
	_, err = store.Subscribe("c1")
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestSubscribeBeforeClose_ReceivesLiveAppends(t *testing.T) {
	store := shuffle.New()
	w, err := store.Open("c1", testSchema, shuffle.MultiConsumer)
	require.NoError(t, err)

	ctx := context.Background()
	r, err := store.Subscribe("c1")
	require.NoError(t, err)

	go func() {
		_ = w.Append(ctx, makeRecord(t, 42))
		_ = w.Close()
	}()

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rec, err := r.Next(ctx2)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(42), rec.Column(0).(*array.Int64).Value(0))
}

func TestRelease_InFlightReaderCanceled(t *testing.T) {
	store := shuffle.New()
	w, err := store.Open("c1", testSchema, shuffle.MultiConsumer)
	require.NoError(t, err)
	defer w.CloseWithError(nil)

	r, err := store.Subscribe("c1")
	require.NoError(t, err)

	require.NoError(t, store.Release("c1"))

	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, errs.Canceled)
}
