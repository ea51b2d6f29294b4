package engine

// The planner turns a resolved SelectQuery into a left-deep logical join
// tree: one LogicalScan per table with its single-table predicates
// pushed down, and one LogicalJoin per additional table carrying the
// predicates that reference both sides. The optimizer (optimizer.go)
// then rewrites each LogicalScan into a physical access path.

// LogicalNode is a node of the logical plan tree.
type LogicalNode interface {
	isLogicalNode()
}

// LogicalScan is an as-yet-unrewritten single-table access with its
// pushed-down predicates.
type LogicalScan struct {
	Table string
	Preds []Predicate
}

// LogicalJoin is the Cartesian product of Left and Right, filtered by
// Preds (predicates referencing both sides).
type LogicalJoin struct {
	Left, Right LogicalNode
	Preds       []Predicate
}

func (*LogicalScan) isLogicalNode() {}
func (*LogicalJoin) isLogicalNode() {}

// BuildPlan constructs the left-deep logical plan for q.
func BuildPlan(q *SelectQuery) LogicalNode {
	assigned := make([]bool, len(q.Where))

	first := &LogicalScan{Table: q.Tables[0]}
	assignLocalPreds(first, q.Where, assigned, q.tableOf, q.Tables[0])
	var node LogicalNode = first
	included := map[string]bool{q.Tables[0]: true}

	for i := 1; i < len(q.Tables); i++ {
		right := &LogicalScan{Table: q.Tables[i]}
		assignLocalPreds(right, q.Where, assigned, q.tableOf, q.Tables[i])
		included[q.Tables[i]] = true

		var joinPreds []Predicate
		for j, p := range q.Where {
			if assigned[j] {
				continue
			}
			refs := predTables(p, q.tableOf)
			if len(refs) == 0 {
				continue
			}
			allIn := true
			for _, t := range refs {
				if !included[t] {
					allIn = false
					break
				}
			}
			if allIn {
				joinPreds = append(joinPreds, p)
				assigned[j] = true
			}
		}
		node = &LogicalJoin{Left: node, Right: right, Preds: joinPreds}
	}
	return node
}

func assignLocalPreds(scan *LogicalScan, preds []Predicate, assigned []bool, tableOf map[string]string, table string) {
	for j, p := range preds {
		if assigned[j] {
			continue
		}
		refs := predTables(p, tableOf)
		if len(refs) == 1 && refs[0] == table {
			scan.Preds = append(scan.Preds, p)
			assigned[j] = true
		}
	}
}

// predTables returns the distinct tables a predicate references.
func predTables(p Predicate, tableOf map[string]string) []string {
	seen := make(map[string]bool, 2)
	if t, ok := tableOf[p.Col]; ok && t != "" {
		seen[t] = true
	}
	if p.HasRHSCol {
		if t, ok := tableOf[p.RHSCol]; ok && t != "" {
			seen[t] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}
