// Package plan defines the physical operator tree the stage planner (C4)
// consumes, per spec.md §4.4: "a physical plan tree, each node exposing
// (children, output partitioning, schema, operator kind)."
//
// There is no single teacher file this is grounded on — the teacher has no
// query-plan domain — so this package is built directly from spec.md's
// contract, in the teacher's idiom for small sealed type hierarchies: an
// unexported marker method closing the Node interface to a fixed set of
// implementations, the same technique logiface uses for its Event/Modifier
// interfaces (an unexported method on the interface that only in-package
// types can implement).
package plan

import "github.com/apache/arrow-go/v18/arrow"

// PartitionKind classifies how a node's output rows are divided across
// partitions.
type PartitionKind int

const (
	// UnknownPartitioning: no meaningful partitioning scheme; never split.
	UnknownPartitioning PartitionKind = iota
	// RoundRobin: rows distributed round-robin; never split (spec.md §4.4).
	RoundRobin
	// Hash: rows distributed by a hash of an expression over N partitions.
	Hash
	// Range: rows distributed by range of an expression over N partitions.
	Range
	// SingleConsumer marks a coalesce-to-one boundary: one downstream task
	// reads every upstream output partition (multi-consumer shuffle mode).
	SingleConsumer
)

func (k PartitionKind) String() string {
	switch k {
	case RoundRobin:
		return "round_robin"
	case Hash:
		return "hash"
	case Range:
		return "range"
	case SingleConsumer:
		return "single_consumer"
	default:
		return "unknown"
	}
}

// Partitioning describes a node's output partitioning.
type Partitioning struct {
	Kind           PartitionKind
	Expr           string // opaque partitioning expression, e.g. a column name
	NumPartitions  int
}

// Splits reports whether this partitioning requires the stage planner to
// insert a shuffle boundary, per spec.md §4.4's algorithm: only Hash/Range
// repartition nodes and SingleConsumer coalesce nodes split; RoundRobin and
// Unknown do not.
func (p Partitioning) Splits() bool {
	switch p.Kind {
	case Hash, Range, SingleConsumer:
		return true
	default:
		return false
	}
}

// NodeKind identifies an operator's shape for the stage planner; workers
// also use it as the key for looking up the Operator that executes a node
// (internal/worker's Registry).
type NodeKind int

const (
	KindScan NodeKind = iota
	KindFilter
	KindProject
	KindAggregate
	KindRepartition
	KindCoalesceToOne
	KindShuffleWrite
	KindShuffleRead
)

// Node is one operator in the physical plan tree. The planner rewrites by
// tree transformation (never in-place mutation), so implementations must be
// treated as immutable once constructed.
type Node interface {
	// Children returns this node's inputs, empty for a source (e.g. Scan).
	Children() []Node
	// OutputPartitioning reports how this node's output rows are divided.
	OutputPartitioning() Partitioning
	// Schema is this node's output schema.
	Schema() *arrow.Schema
	// Kind identifies the operator for the planner's switch.
	Kind() NodeKind

	planNode() // seals the interface to this package's node types
}

// base is embedded by every concrete node to provide the schema/kind
// plumbing common to all of them.
type base struct {
	children []Node
	schema   *arrow.Schema
	kind     NodeKind
}

func (b base) Children() []Node        { return b.children }
func (b base) Schema() *arrow.Schema   { return b.schema }
func (b base) Kind() NodeKind          { return b.kind }
func (base) planNode()                 {}

// Scan is a source operator reading an external partitioned input. It always
// has zero children (spec.md §4.4 edge case: "a node with zero children
// (source scan) is always within a stage").
type Scan struct {
	base
	Source        string
	NumPartitions int
}

func NewScan(source string, schema *arrow.Schema, numPartitions int) *Scan {
	return &Scan{
		base:   base{schema: schema, kind: KindScan},
		Source: source, NumPartitions: numPartitions,
	}
}

func (s *Scan) OutputPartitioning() Partitioning {
	return Partitioning{Kind: UnknownPartitioning, NumPartitions: s.NumPartitions}
}

// Filter is a row-filtering pipeline operator; partitioning passes through unchanged.
type Filter struct {
	base
	Predicate string
}

func NewFilter(child Node, predicate string) *Filter {
	return &Filter{base: base{children: []Node{child}, schema: child.Schema(), kind: KindFilter}, Predicate: predicate}
}

func (f *Filter) OutputPartitioning() Partitioning { return f.children[0].OutputPartitioning() }

// WithChild returns a copy of f with its child replaced, used by the stage
// planner's post-order rewrite when a descendant was split into a shuffle
// boundary.
func (f *Filter) WithChild(child Node) Node {
	n := *f
	n.children = []Node{child}
	return &n
}

// Project is a column-projection pipeline operator; partitioning passes through unchanged.
type Project struct {
	base
	Exprs []string
}

func NewProject(child Node, schema *arrow.Schema, exprs []string) *Project {
	return &Project{base: base{children: []Node{child}, schema: schema, kind: KindProject}, Exprs: exprs}
}

func (p *Project) OutputPartitioning() Partitioning { return p.children[0].OutputPartitioning() }

// WithChild returns a copy of p with its child replaced; see Filter.WithChild.
func (p *Project) WithChild(child Node) Node {
	n := *p
	n.children = []Node{child}
	return &n
}

// AggregateMode distinguishes a partial (pre-shuffle) aggregate from a final
// (post-shuffle) aggregate, matching scenario 2 of spec.md §8.
type AggregateMode int

const (
	AggregatePartial AggregateMode = iota
	AggregateFinal
)

// Aggregate groups by Keys and computes Exprs. Its output partitioning
// passes through unchanged; repartitioning between a partial and final
// aggregate is expressed by an explicit Repartition/CoalesceToOne node.
type Aggregate struct {
	base
	Mode  AggregateMode
	Keys  []string
	Exprs []string
}

func NewAggregate(child Node, schema *arrow.Schema, mode AggregateMode, keys, exprs []string) *Aggregate {
	return &Aggregate{base: base{children: []Node{child}, schema: schema, kind: KindAggregate}, Mode: mode, Keys: keys, Exprs: exprs}
}

func (a *Aggregate) OutputPartitioning() Partitioning { return a.children[0].OutputPartitioning() }

// WithChild returns a copy of a with its child replaced; see Filter.WithChild.
func (a *Aggregate) WithChild(child Node) Node {
	n := *a
	n.children = []Node{child}
	return &n
}

// Repartition declares a required output partitioning for its child's rows.
// The stage planner splits here whenever Partitioning.Splits() is true.
type Repartition struct {
	base
	Partitioning Partitioning
}

func NewRepartition(child Node, partitioning Partitioning) *Repartition {
	return &Repartition{base: base{children: []Node{child}, schema: child.Schema(), kind: KindRepartition}, Partitioning: partitioning}
}

func (r *Repartition) OutputPartitioning() Partitioning { return r.Partitioning }

// WithChild returns a copy of r with its child replaced; see Filter.WithChild.
func (r *Repartition) WithChild(child Node) Node {
	n := *r
	n.children = []Node{child}
	return &n
}

// CoalesceToOne collapses every upstream partition into a single logical
// output partition, read by exactly one downstream task (multi-consumer
// shuffle mode, spec.md §4.4).
type CoalesceToOne struct {
	base
}

func NewCoalesceToOne(child Node) *CoalesceToOne {
	return &CoalesceToOne{base: base{children: []Node{child}, schema: child.Schema(), kind: KindCoalesceToOne}}
}

func (c *CoalesceToOne) OutputPartitioning() Partitioning {
	return Partitioning{Kind: SingleConsumer, NumPartitions: 1}
}

// WithChild returns a copy of c with its child replaced; see Filter.WithChild.
func (c *CoalesceToOne) WithChild(child Node) Node {
	n := *c
	n.children = []Node{child}
	return &n
}

// ShuffleWrite and ShuffleRead are the planner-injected extension nodes
// spec.md §9 calls out as "opaque to the wider optimizer": black-box
// boundaries the stage planner inserts in place of a split Repartition or
// CoalesceToOne node. StageID identifies which stage produces (for
// ShuffleWrite) or consumes (for ShuffleRead) the shuffle.
type ShuffleWrite struct {
	base
	StageID int
}

func NewShuffleWrite(stageID int, child Node) *ShuffleWrite {
	return &ShuffleWrite{base: base{children: []Node{child}, schema: child.Schema(), kind: KindShuffleWrite}, StageID: stageID}
}

func (s *ShuffleWrite) OutputPartitioning() Partitioning { return s.children[0].OutputPartitioning() }

// ShuffleRead replaces the split node in the outer tree. It has no children
// (it is the new leaf of its stage) and carries the partitioning the
// producing stage wrote with.
type ShuffleRead struct {
	base
	StageID      int
	ReadPartitioning Partitioning
}

func NewShuffleRead(stageID int, schema *arrow.Schema, partitioning Partitioning) *ShuffleRead {
	return &ShuffleRead{base: base{schema: schema, kind: KindShuffleRead}, StageID: stageID, ReadPartitioning: partitioning}
}

func (s *ShuffleRead) OutputPartitioning() Partitioning { return s.ReadPartitioning }

var (
	_ Node = (*Scan)(nil)
	_ Node = (*Filter)(nil)
	_ Node = (*Project)(nil)
	_ Node = (*Aggregate)(nil)
	_ Node = (*Repartition)(nil)
	_ Node = (*CoalesceToOne)(nil)
	_ Node = (*ShuffleWrite)(nil)
	_ Node = (*ShuffleRead)(nil)
)
