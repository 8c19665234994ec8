// Package stage implements the stage planner (C4): it walks a physical
// plan tree and splits it into a DAG of shuffle-bounded Stages, following
// spec.md §4.4's algorithm exactly (post-order traversal, split at
// repartition/coalesce boundaries, push the residual subtree as the final
// stage).
package stage

import (
	"fmt"

	"github.com/joeycumines/go-qexec/internal/plan"
)

// ConsumptionMode governs shuffle-store eviction for a stage's output, per
// spec.md §4.2/§4.4.
type ConsumptionMode int

const (
	// SingleConsumer: one downstream task reads each output partition.
	SingleConsumer ConsumptionMode = iota
	// MultiConsumer: one downstream task reads the same output partition
	// from every producer task (coalesce-to-one).
	MultiConsumer
)

// Stage is a pipelined subgraph of the physical plan with a single logical
// output partitioning, per spec.md §3. The planner creates no tasks; the
// driver scheduler creates one Task per output partition (§4.5 "Submit job")
// and tracks their ids on its own Job, not on the Stage.
type Stage struct {
	Ordinal              int
	Root                 plan.Node
	NumOutputPartitions  int
	ConsumptionMode       ConsumptionMode
}

// Final reports whether this is the last stage in dependency order — the
// job result per spec.md §3 ("The final stage's output is the job result").
func (s *Stage) Final(stages []*Stage) bool {
	return s.Ordinal == stages[len(stages)-1].Ordinal
}

// Plan splits root into an ordered list of Stages [S0, S1, ..., Sn] with Sn
// final, per spec.md §4.4. A plan with no shuffle boundaries collapses to a
// single stage (the round-trip law in spec.md §8).
func Plan(root plan.Node) ([]*Stage, error) {
	p := &planner{}
	final, err := p.rewrite(root)
	if err != nil {
		return nil, err
	}
	p.stages = append(p.stages, &Stage{
		Ordinal:             p.nextID,
		Root:                final,
		NumOutputPartitions: final.OutputPartitioning().NumPartitions,
		ConsumptionMode:     SingleConsumer,
	})
	return p.stages, nil
}

type planner struct {
	stages []*Stage
	nextID int
}

// rewrite performs the post-order traversal: children are rewritten before
// their parent is inspected, so splits nearest the sources get the lowest
// stage ordinals (stage 0 is leaf-most, per spec.md §3).
func (p *planner) rewrite(n plan.Node) (plan.Node, error) {
	children := n.Children()
	if len(children) == 0 {
		return n, nil // source scan: always within a stage (§4.4 edge case)
	}
	if len(children) != 1 {
		return nil, fmt.Errorf("stage: node kind %d has %d children, only single-child operators are supported", n.Kind(), len(children))
	}

	rewrittenChild, err := p.rewrite(children[0])
	if err != nil {
		return nil, err
	}

	switch n.Kind() {
	case plan.KindRepartition:
		rep := n.(*plan.Repartition)
		if !rep.Partitioning.Splits() {
			// RoundRobin/Unknown: not split, per spec.md §4.4.
			return rep.WithChild(rewrittenChild), nil
		}
		return p.split(rewrittenChild, rep.Partitioning, SingleConsumer)

	case plan.KindCoalesceToOne:
		upstream := rewrittenChild.OutputPartitioning()
		return p.split(rewrittenChild, upstream, MultiConsumer)

	default:
		return withChild(n, rewrittenChild)
	}
}

// split creates a new stage rooted at ShuffleWrite(child) and returns the
// ShuffleRead node that replaces the split node in the outer tree.
func (p *planner) split(child plan.Node, producedPartitioning plan.Partitioning, mode ConsumptionMode) (plan.Node, error) {
	stageID := p.nextID
	p.nextID++

	write := plan.NewShuffleWrite(stageID, child)

	numOutputPartitions := producedPartitioning.NumPartitions
	if mode == MultiConsumer {
		// coalesce-to-one: every upstream partition is an output partition
		// of this stage; the single downstream task reads all of them.
		numOutputPartitions = child.OutputPartitioning().NumPartitions
	}

	p.stages = append(p.stages, &Stage{
		Ordinal:             stageID,
		Root:                write,
		NumOutputPartitions: numOutputPartitions,
		ConsumptionMode:     mode,
	})

	schema := child.Schema()

	readPartitioning := producedPartitioning
	if mode == MultiConsumer {
		readPartitioning = plan.Partitioning{Kind: plan.SingleConsumer, NumPartitions: 1}
	}

	return plan.NewShuffleRead(stageID, schema, readPartitioning), nil
}

// withChild rewrites a pipeline-through node (Filter/Project/Aggregate) with
// a replaced child, dispatching on the concrete type since plan.Node does
// not expose a generic "WithChild" in its interface (only single-child
// concrete types implement it).
func withChild(n plan.Node, child plan.Node) (plan.Node, error) {
	type withChilder interface{ WithChild(plan.Node) plan.Node }
	wc, ok := n.(withChilder)
	if !ok {
		return nil, fmt.Errorf("stage: node kind %d does not support rewriting", n.Kind())
	}
	return wc.WithChild(child), nil
}
