package stage_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-qexec/internal/plan"
	"github.com/joeycumines/go-qexec/internal/stage"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.String},
	{Name: "count", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func TestPlan_NoShuffle_SingleStage(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 4)
	filtered := plan.NewFilter(scan, "count > 0")
	projected := plan.NewProject(filtered, testSchema, []string{"key", "count"})

	stages, err := stage.Plan(projected)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, 0, stages[0].Ordinal)
	assert.Equal(t, 4, stages[0].NumOutputPartitions)
	assert.Equal(t, stage.SingleConsumer, stages[0].ConsumptionMode)
}

func TestPlan_HashRepartition_TwoStages(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 4)
	partial := plan.NewAggregate(scan, testSchema, plan.AggregatePartial, []string{"key"}, []string{"count(*)"})
	repart := plan.NewRepartition(partial, plan.Partitioning{Kind: plan.Hash, Expr: "key", NumPartitions: 2})
	final := plan.NewAggregate(repart, testSchema, plan.AggregateFinal, []string{"key"}, []string{"sum(count)"})

	stages, err := stage.Plan(final)
	require.NoError(t, err)
	require.Len(t, stages, 2)

	assert.Equal(t, 0, stages[0].Ordinal)
	assert.Equal(t, plan.KindShuffleWrite, stages[0].Root.Kind())
	assert.Equal(t, 2, stages[0].NumOutputPartitions)
	assert.Equal(t, stage.SingleConsumer, stages[0].ConsumptionMode)

	assert.Equal(t, 1, stages[1].Ordinal)
	assert.Equal(t, plan.KindAggregate, stages[1].Root.Kind())

	// the final stage's root must read from the shuffle the first stage wrote
	finalAgg := stages[1].Root.(*plan.Aggregate)
	require.Len(t, finalAgg.Children(), 1)
	read, ok := finalAgg.Children()[0].(*plan.ShuffleRead)
	require.True(t, ok)
	assert.Equal(t, 0, read.StageID)
}

func TestPlan_CoalesceToOne_MultiConsumer(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 4)
	coalesced := plan.NewCoalesceToOne(scan)

	stages, err := stage.Plan(coalesced)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, stage.MultiConsumer, stages[0].ConsumptionMode)
	assert.Equal(t, 4, stages[0].NumOutputPartitions)
	assert.Equal(t, 1, stages[1].NumOutputPartitions)
}

func TestPlan_KRepartitionBoundaries_KPlusOneStages(t *testing.T) {
	node := plan.Node(plan.NewScan("t1", testSchema, 4))
	const k = 3
	for i := 0; i < k; i++ {
		node = plan.NewRepartition(node, plan.Partitioning{Kind: plan.Hash, Expr: "key", NumPartitions: 2})
	}

	stages, err := stage.Plan(node)
	require.NoError(t, err)
	assert.Len(t, stages, k+1)
	for i, s := range stages {
		assert.Equal(t, i, s.Ordinal)
	}
}
