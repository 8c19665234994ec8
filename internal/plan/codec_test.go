package plan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-qexec/internal/plan"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 4)
	filter := plan.NewFilter(scan, "key != ''")
	agg := plan.NewAggregate(filter, testSchema, plan.AggregatePartial, []string{"key"}, []string{"count(*)"})

	data, err := plan.Encode(agg)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, err := plan.Decode(data)
	require.NoError(t, err)

	require.Equal(t, plan.KindAggregate, decoded.Kind())
	decodedAgg := decoded.(*plan.Aggregate)
	assert.Equal(t, []string{"key"}, decodedAgg.Keys)
	assert.Equal(t, []string{"count(*)"}, decodedAgg.Exprs)
	assert.Equal(t, plan.AggregatePartial, decodedAgg.Mode)
	assert.Equal(t, 1, decodedAgg.Schema().NumFields())

	require.Len(t, decoded.Children(), 1)
	decodedFilter := decoded.Children()[0].(*plan.Filter)
	assert.Equal(t, "key != ''", decodedFilter.Predicate)

	require.Len(t, decodedFilter.Children(), 1)
	decodedScan := decodedFilter.Children()[0].(*plan.Scan)
	assert.Equal(t, "t1", decodedScan.Source)
	assert.Equal(t, 4, decodedScan.NumPartitions)
}

func TestEncodeDecode_ShuffleReadWrite(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 4)
	write := plan.NewShuffleWrite(2, scan)

	data, err := plan.Encode(write)
	require.NoError(t, err)

	decoded, err := plan.Decode(data)
	require.NoError(t, err)
	decodedWrite := decoded.(*plan.ShuffleWrite)
	assert.Equal(t, 2, decodedWrite.StageID)

	read := plan.NewShuffleRead(2, testSchema, plan.Partitioning{Kind: plan.Hash, NumPartitions: 3})
	data, err = plan.Encode(read)
	require.NoError(t, err)

	decoded, err = plan.Decode(data)
	require.NoError(t, err)
	decodedRead := decoded.(*plan.ShuffleRead)
	assert.Equal(t, 2, decodedRead.StageID)
	assert.Equal(t, plan.Hash, decodedRead.ReadPartitioning.Kind)
	assert.Equal(t, 3, decodedRead.ReadPartitioning.NumPartitions)
}
