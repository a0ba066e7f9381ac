package physical

import (
	"errors"
	"fmt"

	"github.com/keelproject/keel/pkg/engine/planner/logical"
	"github.com/keelproject/keel/pkg/engine/types"
	"github.com/keelproject/keel/pkg/storage/catalog"
)

// Planner lowers a logical plan into an executable physical plan. Table
// descriptors are already resolved inside the logical plan, so lowering does
// no IO.
//
// Operators that preserve partitioning (filters, projections) are planned
// once per partition, keeping one sub-plan chain per partition of the source
// table. Operators that consume the whole table (aggregations, limits) are
// planned on top of a [Merge] of all chains, and a [Shuffle] re-partitions
// chains across a new set of [Bucket] chains.
type Planner struct {
	plan *Plan
}

// NewPlanner creates a new planner instance.
func NewPlanner() *Planner {
	return &Planner{}
}

// Build converts a given logical plan into a physical plan and returns an
// error if the conversion fails.
func (p *Planner) Build(lp *logical.Plan) (*Plan, error) {
	p.plan = &Plan{}
	for _, inst := range lp.Instructions {
		switch inst := inst.(type) {
		case *logical.Return:
			nodes, err := p.process(inst.Value)
			if err != nil {
				return nil, err
			}
			if _, err := p.combine(nodes); err != nil {
				return nil, err
			}
			return p.plan, nil
		}
	}
	return nil, errors.New("logical plan has no return value")
}

// Convert a predicate from a [logical.Value] into an [Expression].
func (p *Planner) convertPredicate(inst logical.Value) Expression {
	switch inst := inst.(type) {
	case *logical.UnaryOp:
		return &UnaryExpr{
			Left: p.convertPredicate(inst.Value),
			Op:   inst.Op,
		}
	case *logical.BinOp:
		return &BinaryExpr{
			Left:  p.convertPredicate(inst.Left),
			Right: p.convertPredicate(inst.Right),
			Op:    inst.Op,
		}
	case *logical.ColumnRef:
		return &ColumnExpr{Ref: inst.Ref()}
	case *logical.Literal:
		return NewLiteral(inst.Value())
	default:
		panic(fmt.Sprintf("invalid value for predicate: %T", inst))
	}
}

func convertColumns(refs []*logical.ColumnRef) []ColumnExpression {
	columns := make([]ColumnExpression, len(refs))
	for i, ref := range refs {
		columns[i] = &ColumnExpr{Ref: ref.Ref()}
	}
	return columns
}

// Convert a [logical.Value] into the physical sub-plans of its partitions,
// one node per partition.
func (p *Planner) process(inst logical.Value) ([]Node, error) {
	switch inst := inst.(type) {
	case *logical.MakeTable:
		return p.processMakeTable(inst)
	case *logical.Select:
		return p.processSelect(inst)
	case *logical.Projection:
		return p.processProjection(inst)
	case *logical.SetIndex:
		return p.processSetIndex(inst)
	case *logical.Repartition:
		return p.processRepartition(inst)
	case *logical.GroupBy:
		return p.processGroupBy(inst)
	case *logical.Resample:
		return p.processResample(inst)
	case *logical.Limit:
		return p.processLimit(inst)
	default:
		return nil, fmt.Errorf("invalid instruction for table relation: %T", inst)
	}
}

// merge reduces a set of partition chains to a single node, concatenating
// them with a [Merge] node if there is more than one.
func (p *Planner) merge(nodes []Node) (Node, error) {
	if len(nodes) == 0 {
		return nil, errors.New("table relation has no partitions")
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return p.plan.addNode(&Merge{}, nodes...)
}

// combine reduces the final partition chains to the plan root. Unlike the
// merges inside the plan, the root merge keeps one input per output
// partition of the plan.
func (p *Planner) combine(nodes []Node) (Node, error) {
	if len(nodes) == 0 {
		return nil, errors.New("table relation has no partitions")
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return p.plan.addNode(&Merge{Combine: true}, nodes...)
}

// Convert [logical.MakeTable] into one scan node per partition of the
// resolved table.
func (p *Planner) processMakeTable(lp *logical.MakeTable) ([]Node, error) {
	desc := lp.Table
	if desc.NumPartitions() == 0 {
		return nil, fmt.Errorf("table %s has no partitions", desc.Name)
	}

	nodes := make([]Node, 0, desc.NumPartitions())
	for i, part := range desc.Partitions {
		bounds := part.Bounds
		if !bounds.Known() && desc.KnownDivisions() {
			bounds = desc.Divisions.PartitionBounds(i)
		}

		var node Node
		switch desc.Format {
		case catalog.FormatCSV:
			node = &ScanCSV{
				Location:  part.Location,
				Partition: i,
				Schema:    desc.Schema,
				Options:   desc.CSV,
				Bounds:    bounds,
			}
		case catalog.FormatStore:
			node = &ScanStore{
				Handle:    desc.Name,
				Partition: i,
				Schema:    desc.Schema,
				Bounds:    bounds,
			}
		default:
			return nil, fmt.Errorf("table %s has unsupported format %s", desc.Name, desc.Format)
		}

		added, err := p.plan.addNode(node)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, added)
	}

	p.plan.Stats.PartitionsResolved += len(nodes)
	return nodes, nil
}

// Convert [logical.Select] into one [Filter] node per partition chain.
func (p *Planner) processSelect(lp *logical.Select) ([]Node, error) {
	children, err := p.process(lp.Table)
	if err != nil {
		return nil, err
	}

	predicate := p.convertPredicate(lp.Predicate)
	nodes := make([]Node, 0, len(children))
	for _, child := range children {
		node, err := p.plan.addNode(&Filter{Predicates: []Expression{predicate}}, child)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Convert [logical.Projection] into one [Projection] node per partition
// chain.
func (p *Planner) processProjection(lp *logical.Projection) ([]Node, error) {
	children, err := p.process(lp.Table)
	if err != nil {
		return nil, err
	}

	columns := convertColumns(lp.Columns)
	nodes := make([]Node, 0, len(children))
	for _, child := range children {
		node, err := p.plan.addNode(&Projection{Columns: columns}, child)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Convert [logical.SetIndex] into a [Shuffle] over all partition chains,
// followed by one [Bucket] node per output partition.
func (p *Planner) processSetIndex(lp *logical.SetIndex) ([]Node, error) {
	children, err := p.process(lp.Table)
	if err != nil {
		return nil, err
	}

	partitions := lp.Partitions
	if lp.Divisions.Known() {
		partitions = lp.Divisions.NumPartitions()
	}
	if partitions <= 0 {
		return nil, fmt.Errorf("set_index on column %s needs a positive partition count", lp.Column.Name())
	}

	shuffle, err := p.plan.addNode(&Shuffle{
		Column:     &ColumnExpr{Ref: lp.Column.Ref()},
		Partitions: partitions,
		Divisions:  lp.Divisions,
		Samples:    lp.Samples,
	}, children...)
	if err != nil {
		return nil, err
	}

	return p.bucketize(shuffle, partitions, lp.Divisions)
}

// Convert [logical.Repartition] by regrouping partition chains. Shrinking
// concatenates runs of adjacent chains; growing splits the merged input by
// row ranges.
func (p *Planner) processRepartition(lp *logical.Repartition) ([]Node, error) {
	children, err := p.process(lp.Table)
	if err != nil {
		return nil, err
	}
	if lp.Partitions <= 0 {
		return nil, fmt.Errorf("repartition needs a positive partition count, got %d", lp.Partitions)
	}

	switch {
	case lp.Partitions == len(children):
		return children, nil

	case lp.Partitions < len(children):
		// Distribute the input chains over adjacent groups whose sizes
		// differ by at most one.
		base, extra := len(children)/lp.Partitions, len(children)%lp.Partitions
		nodes := make([]Node, 0, lp.Partitions)
		for i, next := 0, 0; i < lp.Partitions; i++ {
			size := base
			if i < extra {
				size++
			}
			group, err := p.merge(children[next : next+size])
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, group)
			next += size
		}
		return nodes, nil

	default:
		input, err := p.merge(children)
		if err != nil {
			return nil, err
		}
		split, err := p.plan.addNode(&Split{Partitions: lp.Partitions}, input)
		if err != nil {
			return nil, err
		}
		return p.bucketize(split, lp.Partitions, nil)
	}
}

// bucketize creates one [Bucket] node per output partition of a [Shuffle] or
// [Split] node.
func (p *Planner) bucketize(source Node, partitions int, divisions types.Divisions) ([]Node, error) {
	nodes := make([]Node, 0, partitions)
	for i := 0; i < partitions; i++ {
		var bounds types.Bounds
		if divisions.Known() {
			bounds = divisions.PartitionBounds(i)
		}
		node, err := p.plan.addNode(&Bucket{Partition: i, Bounds: bounds}, source)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Convert [logical.GroupBy] into one [HashAggregate] node over the merged
// partition chains.
func (p *Planner) processGroupBy(lp *logical.GroupBy) ([]Node, error) {
	children, err := p.process(lp.Table)
	if err != nil {
		return nil, err
	}
	input, err := p.merge(children)
	if err != nil {
		return nil, err
	}
	if len(lp.Keys) == 0 {
		return nil, errors.New("groupby needs at least one key column")
	}

	node, err := p.plan.addNode(&HashAggregate{
		Keys:      convertColumns(lp.Keys),
		Operation: lp.Type,
		Columns:   convertColumns(lp.Columns),
	}, input)
	if err != nil {
		return nil, err
	}
	return []Node{node}, nil
}

// Convert [logical.Resample] into one [TimeAggregate] node over the merged
// partition chains. The time column is the index of the input relation.
func (p *Planner) processResample(lp *logical.Resample) ([]Node, error) {
	children, err := p.process(lp.Table)
	if err != nil {
		return nil, err
	}
	input, err := p.merge(children)
	if err != nil {
		return nil, err
	}
	if lp.Interval <= 0 {
		return nil, fmt.Errorf("resample needs a positive interval, got %s", lp.Interval)
	}

	index := indexColumnOf(lp.Table)
	if index == "" {
		return nil, errors.New("resample needs an indexed table relation")
	}

	node, err := p.plan.addNode(&TimeAggregate{
		Column:    NewColumnExpr(index),
		Step:      lp.Interval,
		Operation: lp.Type,
		Columns:   convertColumns(lp.Columns),
	}, input)
	if err != nil {
		return nil, err
	}
	return []Node{node}, nil
}

// Convert [logical.Limit] into one [Limit] node over the merged partition
// chains.
func (p *Planner) processLimit(lp *logical.Limit) ([]Node, error) {
	children, err := p.process(lp.Table)
	if err != nil {
		return nil, err
	}
	input, err := p.merge(children)
	if err != nil {
		return nil, err
	}

	node, err := p.plan.addNode(&Limit{Skip: lp.Skip, Fetch: lp.Fetch}, input)
	if err != nil {
		return nil, err
	}
	return []Node{node}, nil
}

// indexColumnOf returns the name of the index column of a table relation,
// or the empty string if the relation has no index.
func indexColumnOf(v logical.Value) string {
	switch v := v.(type) {
	case *logical.MakeTable:
		return v.Table.Schema.Index
	case *logical.SetIndex:
		return v.Column.Name()
	case *logical.Select:
		return indexColumnOf(v.Table)
	case *logical.Projection:
		return indexColumnOf(v.Table)
	case *logical.Repartition:
		return indexColumnOf(v.Table)
	case *logical.Resample:
		return indexColumnOf(v.Table)
	case *logical.Limit:
		return indexColumnOf(v.Table)
	default:
		return ""
	}
}
