package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inprocgrpc "github.com/joeycumines/go-inprocgrpc"

	_ "github.com/joeycumines/go-qexec/internal/rpc"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/shuffle"
	"github.com/joeycumines/go-qexec/internal/transport"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "n", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func makeRecord(values ...int64) arrow.Record {
	bldr := array.NewInt64Builder(memory.NewGoAllocator())
	defer bldr.Release()
	bldr.AppendValues(values, nil)
	col := bldr.NewArray()
	defer col.Release()
	return array.NewRecord(testSchema, []arrow.Array{col}, int64(len(values)))
}

// channelLoop is the minimal inprocgrpc.Loop this test needs: it drains
// queued tasks on its own goroutine, matching the single-goroutine dispatch
// contract inprocgrpc.Channel requires of its driving loop.
type channelLoop struct {
	tasks chan func()
}

func newChannelLoop() *channelLoop {
	l := &channelLoop{tasks: make(chan func(), 256)}
	go func() {
		for fn := range l.tasks {
			fn()
		}
	}()
	return l
}

func (l *channelLoop) Submit(fn func()) error         { l.tasks <- fn; return nil }
func (l *channelLoop) SubmitInternal(fn func()) error { l.tasks <- fn; return nil }

func TestFetch_StreamsBatchesInOrder(t *testing.T) {
	store := shuffle.New()
	w, err := store.Open("c1", testSchema, shuffle.SingleConsumer)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Append(ctx, makeRecord(1, 2)))
	require.NoError(t, w.Append(ctx, makeRecord(3)))
	require.NoError(t, w.Close())

	ch := inprocgrpc.NewChannel(inprocgrpc.WithLoop(newChannelLoop()))
	ch.RegisterService(&rpcapi.Transport_ServiceDesc, transport.NewServer(store))

	client := rpcapi.NewTransportClient(ch)

	puller, err := transport.Fetch(ctx, client, "c1", 4)
	require.NoError(t, err)
	defer puller.Close()

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec1, err := puller.Next(ctx2)
	require.NoError(t, err)
	require.NotNil(t, rec1)
	assert.EqualValues(t, 2, rec1.NumRows())

	rec2, err := puller.Next(ctx2)
	require.NoError(t, err)
	require.NotNil(t, rec2)
	assert.EqualValues(t, 1, rec2.NumRows())

	rec3, err := puller.Next(ctx2)
	require.NoError(t, err)
	assert.Nil(t, rec3)
}

func TestFetch_UnknownChannel_ReturnsError(t *testing.T) {
	store := shuffle.New()
	ch := inprocgrpc.NewChannel(inprocgrpc.WithLoop(newChannelLoop()))
	ch.RegisterService(&rpcapi.Transport_ServiceDesc, transport.NewServer(store))

	client := rpcapi.NewTransportClient(ch)

	_, err := transport.Fetch(context.Background(), client, "missing", 4)
	assert.Error(t, err)
}

func TestRelease_UnknownChannel_IsNoop(t *testing.T) {
	store := shuffle.New()
	ch := inprocgrpc.NewChannel(inprocgrpc.WithLoop(newChannelLoop()))
	srv := transport.NewServer(store)
	ch.RegisterService(&rpcapi.Transport_ServiceDesc, srv)

	resp, err := srv.Release(context.Background(), &rpcapi.ReleaseRequest{Channel: "never-subscribed"})
	require.NoError(t, err)
	require.NotNil(t, resp)

	// a second release of the same channel is also a no-op.
	resp, err = srv.Release(context.Background(), &rpcapi.ReleaseRequest{Channel: "never-subscribed"})
	require.NoError(t, err)
	require.NotNil(t, resp)
}
