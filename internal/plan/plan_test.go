package plan_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-qexec/internal/plan"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.String},
}, nil)

func TestPartitioning_Splits(t *testing.T) {
	cases := []struct {
		kind   plan.PartitionKind
		splits bool
	}{
		{plan.UnknownPartitioning, false},
		{plan.RoundRobin, false},
		{plan.Hash, true},
		{plan.Range, true},
		{plan.SingleConsumer, true},
	}
	for _, c := range cases {
		p := plan.Partitioning{Kind: c.kind, NumPartitions: 4}
		assert.Equal(t, c.splits, p.Splits(), "kind=%s", c.kind)
	}
}

func TestScan_OutputPartitioning(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 8)
	assert.Equal(t, plan.UnknownPartitioning, scan.OutputPartitioning().Kind)
	assert.Equal(t, 8, scan.OutputPartitioning().NumPartitions)
	assert.Empty(t, scan.Children())
	assert.Equal(t, plan.KindScan, scan.Kind())
}

func TestPipelineOperators_PassThroughPartitioning(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 3)
	filter := plan.NewFilter(scan, "key != ''")
	project := plan.NewProject(filter, testSchema, []string{"key"})
	agg := plan.NewAggregate(project, testSchema, plan.AggregatePartial, []string{"key"}, nil)

	for _, n := range []plan.Node{filter, project, agg} {
		assert.Equal(t, 3, n.OutputPartitioning().NumPartitions)
	}
}

func TestWithChild_ReplacesChildOnly(t *testing.T) {
	scanA := plan.NewScan("a", testSchema, 1)
	scanB := plan.NewScan("b", testSchema, 2)

	filter := plan.NewFilter(scanA, "key != ''")
	replaced := filter.WithChild(scanB)

	require.Len(t, replaced.Children(), 1)
	assert.Same(t, scanB, replaced.Children()[0])
	// original untouched
	assert.Same(t, scanA, filter.Children()[0])
}

func TestCoalesceToOne_OutputPartitioning(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 4)
	c := plan.NewCoalesceToOne(scan)
	assert.Equal(t, plan.SingleConsumer, c.OutputPartitioning().Kind)
	assert.Equal(t, 1, c.OutputPartitioning().NumPartitions)
}

func TestShuffleReadWrite_NoCycle(t *testing.T) {
	scan := plan.NewScan("t1", testSchema, 4)
	write := plan.NewShuffleWrite(0, scan)
	assert.Equal(t, plan.KindShuffleWrite, write.Kind())
	assert.Equal(t, 4, write.OutputPartitioning().NumPartitions)

	read := plan.NewShuffleRead(0, testSchema, plan.Partitioning{Kind: plan.Hash, NumPartitions: 2})
	assert.Empty(t, read.Children())
	assert.Equal(t, 2, read.OutputPartitioning().NumPartitions)
	assert.Equal(t, 0, read.StageID)
}
