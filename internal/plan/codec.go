package plan

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// dtoAllocator serves only schema (de)serialization below, never record
// data, so a dedicated allocator (rather than internal/batch's shared one)
// keeps this package free of a dependency on internal/batch.
var dtoAllocator = memory.NewGoAllocator()

// nodeDTO is the gob-serializable mirror of Node used by Encode/Decode.
// Node itself is not made directly gob-encodable because several of its
// fields are *arrow.Schema, whose unexported bookkeeping state does not
// round-trip safely through gob; nodeDTO instead carries a schema only
// where it cannot be recomputed from a decoded child (Scan, Project,
// Aggregate, ShuffleRead), encoding it as a standalone Arrow IPC
// schema-only stream (the same reliable, flatbuffers-backed schema framing
// internal/batch already trusts for record data).
type nodeDTO struct {
	Kind     NodeKind
	Children []nodeDTO

	SchemaBytes []byte // Scan, Project, Aggregate, ShuffleRead only

	Source        string // Scan
	NumPartitions int    // Scan

	Predicate string // Filter

	Exprs []string // Project, Aggregate

	Mode AggregateMode // Aggregate
	Keys []string      // Aggregate

	Partitioning Partitioning // Repartition

	StageID          int          // ShuffleWrite, ShuffleRead
	ReadPartitioning Partitioning // ShuffleRead
}

// Encode serializes a plan fragment for inclusion in a RunTaskRequest's
// plan_bytes field (spec.md §4.3's run_task(..., plan_bytes, ...)).
//
// Grounded on the same encoding/gob choice as internal/rpc's control-plane
// codec: this is an internally-defined Go type, not a cross-language wire
// format, so gob is the idiomatic fit, not a stdlib compromise.
func Encode(n Node) ([]byte, error) {
	dto, err := toDTO(n)
	if err != nil {
		return nil, fmt.Errorf("plan: encode: %w", err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dto); err != nil {
		return nil, fmt.Errorf("plan: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a plan fragment a worker received in a RunTaskRequest.
// Per spec.md §4.3's failure mode, callers should report InvalidPlan for
// the returned error rather than treat it as an internal error.
func Decode(data []byte) (Node, error) {
	var dto nodeDTO
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&dto); err != nil {
		return nil, fmt.Errorf("plan: decode: %w", err)
	}
	n, err := fromDTO(dto)
	if err != nil {
		return nil, fmt.Errorf("plan: decode: %w", err)
	}
	return n, nil
}

func toDTO(n Node) (nodeDTO, error) {
	dto := nodeDTO{Kind: n.Kind()}
	for _, c := range n.Children() {
		cd, err := toDTO(c)
		if err != nil {
			return nodeDTO{}, err
		}
		dto.Children = append(dto.Children, cd)
	}

	switch v := n.(type) {
	case *Scan:
		schemaBytes, err := encodeSchema(v.Schema())
		if err != nil {
			return nodeDTO{}, err
		}
		dto.SchemaBytes = schemaBytes
		dto.Source = v.Source
		dto.NumPartitions = v.NumPartitions
	case *Filter:
		dto.Predicate = v.Predicate
	case *Project:
		schemaBytes, err := encodeSchema(v.Schema())
		if err != nil {
			return nodeDTO{}, err
		}
		dto.SchemaBytes = schemaBytes
		dto.Exprs = v.Exprs
	case *Aggregate:
		schemaBytes, err := encodeSchema(v.Schema())
		if err != nil {
			return nodeDTO{}, err
		}
		dto.SchemaBytes = schemaBytes
		dto.Mode = v.Mode
		dto.Keys = v.Keys
		dto.Exprs = v.Exprs
	case *Repartition:
		dto.Partitioning = v.Partitioning
	case *CoalesceToOne:
		// no extra fields
	case *ShuffleWrite:
		dto.StageID = v.StageID
	case *ShuffleRead:
		schemaBytes, err := encodeSchema(v.Schema())
		if err != nil {
			return nodeDTO{}, err
		}
		dto.SchemaBytes = schemaBytes
		dto.StageID = v.StageID
		dto.ReadPartitioning = v.ReadPartitioning
	default:
		return nodeDTO{}, fmt.Errorf("plan: encode: unknown node kind %d", n.Kind())
	}

	return dto, nil
}

func fromDTO(dto nodeDTO) (Node, error) {
	children := make([]Node, 0, len(dto.Children))
	for _, cd := range dto.Children {
		c, err := fromDTO(cd)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}

	switch dto.Kind {
	case KindScan:
		schema, err := decodeSchema(dto.SchemaBytes)
		if err != nil {
			return nil, err
		}
		return NewScan(dto.Source, schema, dto.NumPartitions), nil
	case KindFilter:
		if len(children) != 1 {
			return nil, fmt.Errorf("plan: decode: filter requires 1 child, got %d", len(children))
		}
		return NewFilter(children[0], dto.Predicate), nil
	case KindProject:
		if len(children) != 1 {
			return nil, fmt.Errorf("plan: decode: project requires 1 child, got %d", len(children))
		}
		schema, err := decodeSchema(dto.SchemaBytes)
		if err != nil {
			return nil, err
		}
		return NewProject(children[0], schema, dto.Exprs), nil
	case KindAggregate:
		if len(children) != 1 {
			return nil, fmt.Errorf("plan: decode: aggregate requires 1 child, got %d", len(children))
		}
		schema, err := decodeSchema(dto.SchemaBytes)
		if err != nil {
			return nil, err
		}
		return NewAggregate(children[0], schema, dto.Mode, dto.Keys, dto.Exprs), nil
	case KindRepartition:
		if len(children) != 1 {
			return nil, fmt.Errorf("plan: decode: repartition requires 1 child, got %d", len(children))
		}
		return NewRepartition(children[0], dto.Partitioning), nil
	case KindCoalesceToOne:
		if len(children) != 1 {
			return nil, fmt.Errorf("plan: decode: coalesce requires 1 child, got %d", len(children))
		}
		return NewCoalesceToOne(children[0]), nil
	case KindShuffleWrite:
		if len(children) != 1 {
			return nil, fmt.Errorf("plan: decode: shuffle write requires 1 child, got %d", len(children))
		}
		return NewShuffleWrite(dto.StageID, children[0]), nil
	case KindShuffleRead:
		schema, err := decodeSchema(dto.SchemaBytes)
		if err != nil {
			return nil, err
		}
		return NewShuffleRead(dto.StageID, schema, dto.ReadPartitioning), nil
	default:
		return nil, fmt.Errorf("plan: decode: unknown node kind %d", dto.Kind)
	}
}

func encodeSchema(schema *arrow.Schema) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(dtoAllocator))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("plan: encode schema: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSchema(data []byte) (*arrow.Schema, error) {
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(dtoAllocator))
	if err != nil {
		return nil, fmt.Errorf("plan: decode schema: %w", err)
	}
	defer r.Release()
	return r.Schema(), nil
}
