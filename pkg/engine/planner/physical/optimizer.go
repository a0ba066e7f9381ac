package physical

import (
	"slices"

	"github.com/keelproject/keel/pkg/engine/types"
)

// A rule is a transformation that can be applied on a Node.
type rule interface {
	// apply tries to apply the transformation on the node.
	// It returns a boolean indicating whether the transformation has been applied.
	apply(Node) bool
}

// removeNoopFilter is a rule that removes Filter nodes without predicates,
// such as filters whose predicates have all been pushed down to the scans.
type removeNoopFilter struct {
	plan *Plan
}

// apply implements rule.
func (r *removeNoopFilter) apply(node Node) bool {
	changed := false
	switch node := node.(type) {
	case *Filter:
		if len(node.Predicates) == 0 {
			r.plan.eliminateNode(node)
			changed = true
		}
	}
	return changed
}

var _ rule = (*removeNoopFilter)(nil)

// removeNoopMerge is a rule that removes Merge nodes with a single child,
// which concatenate nothing.
type removeNoopMerge struct {
	plan *Plan
}

// apply implements rule.
func (r *removeNoopMerge) apply(node Node) bool {
	changed := false
	switch node := node.(type) {
	case *Merge:
		if len(r.plan.Children(node)) == 1 {
			r.plan.eliminateNode(node)
			changed = true
		}
	}
	return changed
}

var _ rule = (*removeNoopMerge)(nil)

// predicatePushdown is a rule that moves down filter predicates to the scan
// nodes.
type predicatePushdown struct {
	plan *Plan
}

// apply implements rule.
func (r *predicatePushdown) apply(node Node) bool {
	changed := false
	switch node := node.(type) {
	case *Filter:
		for i := 0; i < len(node.Predicates); i++ {
			if ok := r.applyPredicatePushdown(node, node.Predicates[i]); ok {
				changed = true
				// remove predicates that have been pushed down
				node.Predicates = slices.Delete(node.Predicates, i, i+1)
				i--
			}
		}
	}
	return changed
}

// applyPredicatePushdown pushes the predicate towards the scan nodes below
// node. It returns true only if every path below the node ends in a scan
// that accepted the predicate; otherwise the predicate has to stay where it
// is.
func (r *predicatePushdown) applyPredicatePushdown(node Node, predicate Expression) bool {
	switch node := node.(type) {
	case *ScanCSV:
		if canApplyPredicate(predicate, node.Schema) {
			node.Predicates = appendPredicate(node.Predicates, predicate)
			return true
		}
		return false
	case *ScanStore:
		if canApplyPredicate(predicate, node.Schema) {
			node.Predicates = appendPredicate(node.Predicates, predicate)
			return true
		}
		return false
	case *Projection:
		// The predicate can only move below the projection if it references
		// no columns the projection drops.
		if !columnsContain(node.Columns, predicateColumns(predicate)) {
			return false
		}
	case *Shuffle, *Split, *Bucket, *HashAggregate, *TimeAggregate, *Limit:
		// Exchanges re-distribute rows and aggregations and limits change
		// them, so predicates must stay above.
		return false
	}
	for _, child := range r.plan.Children(node) {
		if ok := r.applyPredicatePushdown(child, predicate); !ok {
			return ok
		}
	}
	return true
}

// canApplyPredicate reports whether the predicate can be evaluated during a
// scan with the given schema.
func canApplyPredicate(predicate Expression, schema types.Schema) bool {
	for _, column := range predicateColumns(predicate) {
		if _, ok := schema.Column(column); !ok {
			return false
		}
	}
	return true
}

// predicateColumns returns the names of all columns the predicate
// references.
func predicateColumns(predicate Expression) []string {
	var columns []string
	var collect func(Expression)
	collect = func(expr Expression) {
		switch expr := expr.(type) {
		case *BinaryExpr:
			collect(expr.Left)
			collect(expr.Right)
		case *UnaryExpr:
			collect(expr.Left)
		case *ColumnExpr:
			columns = append(columns, expr.Ref.Column)
		}
	}
	collect(predicate)
	return columns
}

func columnsContain(columns []ColumnExpression, names []string) bool {
	for _, name := range names {
		found := false
		for _, col := range columns {
			if col.String() == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// appendPredicate adds the predicate unless an identical one is already
// present. Sibling partition chains push the same predicate to a shared
// scan only once.
func appendPredicate(predicates []Expression, predicate Expression) []Expression {
	for _, p := range predicates {
		if p.String() == predicate.String() {
			return predicates
		}
	}
	return append(predicates, predicate)
}

var _ rule = (*predicatePushdown)(nil)

// projectionPushdown is a rule that pushes the column set of a Projection
// down to the scan nodes, so scans parse and emit only the columns the plan
// references. The Projection node stays in place to enforce column order.
type projectionPushdown struct {
	plan *Plan
}

// apply implements rule.
func (r *projectionPushdown) apply(node Node) bool {
	projection, ok := node.(*Projection)
	if !ok {
		return false
	}
	changed := false
	for _, child := range r.plan.Children(projection) {
		if r.applyProjectionPushdown(child, projection.Columns) {
			changed = true
		}
	}
	return changed
}

// applyProjectionPushdown pushes the needed columns towards the scan nodes
// below node. Filters on the way extend the set with their predicate columns,
// since they evaluate before the projection applies.
func (r *projectionPushdown) applyProjectionPushdown(node Node, columns []ColumnExpression) bool {
	switch node := node.(type) {
	case *ScanCSV:
		var changed bool
		node.Projections, changed = addUniqueColumns(node.Projections, columns)
		return changed
	case *ScanStore:
		var changed bool
		node.Projections, changed = addUniqueColumns(node.Projections, columns)
		return changed
	case *Filter:
		for _, p := range node.Predicates {
			columns, _ = addUniqueColumns(columns, columnExpressions(predicateColumns(p)))
		}
	case *Projection, *Shuffle, *Split, *Bucket, *HashAggregate, *TimeAggregate:
		// A nested projection narrows on its own, and exchanges and
		// aggregations change the columns their inputs need.
		return false
	}
	changed := false
	for _, child := range r.plan.Children(node) {
		if r.applyProjectionPushdown(child, columns) {
			changed = true
		}
	}
	return changed
}

// addUniqueColumns appends the columns not already present and reports
// whether the set grew. Sibling partition chains push the same projection to
// a shared scan only once.
func addUniqueColumns(have []ColumnExpression, add []ColumnExpression) ([]ColumnExpression, bool) {
	changed := false
	for _, col := range add {
		found := false
		for _, existing := range have {
			if existing.String() == col.String() {
				found = true
				break
			}
		}
		if !found {
			have = append(have, col)
			changed = true
		}
	}
	return have, changed
}

func columnExpressions(names []string) []ColumnExpression {
	columns := make([]ColumnExpression, len(names))
	for i, name := range names {
		columns[i] = NewColumnExpr(name)
	}
	return columns
}

var _ rule = (*projectionPushdown)(nil)

// limitPushdown is a rule that moves down the limit to the scan nodes. A
// scan never needs to produce more than skip+fetch rows for a limit above
// it.
type limitPushdown struct {
	plan *Plan
}

// apply implements rule.
func (r *limitPushdown) apply(node Node) bool {
	limit, ok := node.(*Limit)
	if !ok || limit.Fetch == 0 {
		return false
	}
	changed := false
	r.applyLimitPushdown(limit, limit.Skip+limit.Fetch, &changed)
	return changed
}

func (r *limitPushdown) applyLimitPushdown(node Node, limit uint32, changed *bool) {
	for _, child := range r.plan.Children(node) {
		switch child := child.(type) {
		case *ScanCSV:
			// In case the scan node is reachable from multiple different
			// limit nodes, we need to take the largest limit.
			if limit > child.Limit {
				child.Limit = limit
				*changed = true
			}
		case *ScanStore:
			if limit > child.Limit {
				child.Limit = limit
				*changed = true
			}
		case *Merge, *Projection:
			// Merges concatenate and projections keep rows as they are, so
			// the cap stays valid below them. Filters and exchanges do not
			// preserve the rows an operator sees, so pushing stops there.
			r.applyLimitPushdown(child, limit, changed)
		}
	}
}

var _ rule = (*limitPushdown)(nil)

// prunePartitions is a rule that removes partition chains whose source
// cannot contain matching rows, based on the known bounds of the index
// column and the predicates pushed down to the scan.
type prunePartitions struct {
	plan *Plan
}

// apply implements rule.
func (r *prunePartitions) apply(node Node) bool {
	switch node := node.(type) {
	case *ScanCSV:
		return r.prune(node, node.Schema.Index, node.Bounds, node.Predicates)
	case *ScanStore:
		return r.prune(node, node.Schema.Index, node.Bounds, node.Predicates)
	}
	return false
}

func (r *prunePartitions) prune(node Node, index string, bounds types.Bounds, predicates []Expression) bool {
	if index == "" || !bounds.Known() {
		return false
	}
	for _, predicate := range predicates {
		if excludesBounds(predicate, index, bounds) {
			if !r.removeChain(node) {
				return false
			}
			r.plan.Stats.PartitionsPruned++
			return true
		}
	}
	return false
}

// removeChain removes the scan together with the row-preserving operators
// stacked on top of it, up to the node that combines multiple partitions.
// The chain stays in place if it reaches the plan root, since removing it
// would leave nothing to execute; the predicates then filter the rows at
// runtime instead.
func (r *prunePartitions) removeChain(node Node) bool {
	top := node
	for {
		parents := r.plan.Parents(top)
		if len(parents) == 0 {
			return false
		}
		if len(parents) > 1 {
			break
		}
		switch parents[0].(type) {
		case *Filter, *Projection:
			top = parents[0]
		default:
			r.plan.removeSubtree(top)
			return true
		}
	}
	r.plan.removeSubtree(top)
	return true
}

// excludesBounds reports whether the predicate provably matches no rows
// whose index column values lie within bounds. It must err on the side of
// keeping partitions: false negatives cost performance, false positives
// lose rows.
func excludesBounds(predicate Expression, index string, bounds types.Bounds) bool {
	expr, ok := predicate.(*BinaryExpr)
	if !ok {
		return false
	}

	switch expr.Op {
	case types.BinaryOpAnd:
		return excludesBounds(expr.Left, index, bounds) || excludesBounds(expr.Right, index, bounds)
	case types.BinaryOpOr:
		return excludesBounds(expr.Left, index, bounds) && excludesBounds(expr.Right, index, bounds)
	}

	column, literal, op, ok := comparisonParts(expr)
	if !ok || column != index {
		return false
	}
	if literal.Type() != bounds.Min.Type() {
		return false
	}

	switch op {
	case types.BinaryOpEq:
		return !bounds.Contains(literal)
	case types.BinaryOpGt:
		return bounds.Max.Compare(literal) <= 0
	case types.BinaryOpGte:
		return bounds.Max.Compare(literal) < 0
	case types.BinaryOpLt:
		return bounds.Min.Compare(literal) >= 0
	case types.BinaryOpLte:
		return bounds.Min.Compare(literal) > 0
	case types.BinaryOpNeq:
		return bounds.Min.Compare(literal) == 0 && bounds.Max.Compare(literal) == 0
	default:
		return false
	}
}

// comparisonParts decomposes a comparison between a column and a literal,
// normalizing the literal to the right-hand side.
func comparisonParts(expr *BinaryExpr) (column string, literal types.Literal, op types.BinaryOp, ok bool) {
	if !expr.Op.Comparison() {
		return "", types.Literal{}, 0, false
	}

	if col, okL := expr.Left.(*ColumnExpr); okL {
		if lit, okR := expr.Right.(*LiteralExpr); okR {
			return col.Ref.Column, lit.Literal, expr.Op, true
		}
	}
	if lit, okL := expr.Left.(*LiteralExpr); okL {
		if col, okR := expr.Right.(*ColumnExpr); okR {
			return col.Ref.Column, lit.Literal, mirrorComparison(expr.Op), true
		}
	}
	return "", types.Literal{}, 0, false
}

// mirrorComparison flips a comparison so that `lit op col` reads as
// `col op' lit`.
func mirrorComparison(op types.BinaryOp) types.BinaryOp {
	switch op {
	case types.BinaryOpGt:
		return types.BinaryOpLt
	case types.BinaryOpGte:
		return types.BinaryOpLte
	case types.BinaryOpLt:
		return types.BinaryOpGt
	case types.BinaryOpLte:
		return types.BinaryOpGte
	default:
		return op
	}
}

var _ rule = (*prunePartitions)(nil)

// optimization represents a single optimization pass and can hold multiple rules.
type optimization struct {
	plan  *Plan
	name  string
	rules []rule
}

func newOptimization(name string, plan *Plan) *optimization {
	return &optimization{
		name: name,
		plan: plan,
	}
}

func (o *optimization) withRules(rules ...rule) *optimization {
	o.rules = append(o.rules, rules...)
	return o
}

func (o *optimization) optimize(node Node) {
	iterations, maxIterations := 0, 3

	for iterations < maxIterations {
		iterations++

		if !o.applyRules(node) {
			// Stop immediately if an optimization pass produced no changes.
			break
		}
	}
}

func (o *optimization) applyRules(node Node) bool {
	anyChanged := false

	// Rules may remove nodes from the plan, so the walk works on a snapshot
	// of the children and skips nodes a previous rule application removed.
	children := slices.Clone(o.plan.Children(node))
	for _, child := range children {
		if _, ok := o.plan.Lookup(child.ID()); !ok {
			continue
		}
		changed := o.applyRules(child)
		if changed {
			anyChanged = true
		}
	}

	if _, ok := o.plan.Lookup(node.ID()); !ok {
		return anyChanged
	}
	for _, rule := range o.rules {
		changed := rule.apply(node)
		if changed {
			anyChanged = true
		}
	}

	return anyChanged
}

// The optimizer can optimize physical plans using the provided optimization passes.
type optimizer struct {
	plan   *Plan
	passes []*optimization
}

func newOptimizer(plan *Plan, passes []*optimization) *optimizer {
	return &optimizer{plan: plan, passes: passes}
}

// optimize runs the passes in order. The root is resolved again before each
// pass, since a previous pass may have eliminated it.
func (o *optimizer) optimize() error {
	for _, pass := range o.passes {
		root, err := o.plan.Root()
		if err != nil {
			return err
		}
		pass.optimize(root)
	}
	return nil
}

// Optimize runs the optimization passes over the plan: predicates and
// projections move into the scan nodes, limits cap the scans, and partitions
// whose bounds cannot satisfy the predicates are removed.
func (p *Planner) Optimize(plan *Plan) (*Plan, error) {
	optimizations := []*optimization{
		newOptimization("PredicatePushdown", plan).withRules(
			&predicatePushdown{plan: plan},
			&removeNoopFilter{plan: plan},
		),
		newOptimization("ProjectionPushdown", plan).withRules(
			&projectionPushdown{plan: plan},
		),
		newOptimization("LimitPushdown", plan).withRules(
			&limitPushdown{plan: plan},
		),
		newOptimization("PartitionPruning", plan).withRules(
			&prunePartitions{plan: plan},
			&removeNoopMerge{plan: plan},
		),
	}
	if err := newOptimizer(plan, optimizations).optimize(); err != nil {
		return nil, err
	}
	return plan, nil
}
