package engine

import (
	"issueline/internal/domain"
)

// Snapshot is an id lookup over one project's full issue set, built once per
// validation pass. It is never persisted or shared across calls.
type Snapshot map[string]domain.Issue

func SnapshotOf(issues []domain.Issue) Snapshot {
	s := make(Snapshot, len(issues))
	for _, i := range issues {
		s[i.ID] = i
	}
	return s
}

// ChildrenRecursive returns the transitive closure of hierarchy descendants.
func (s Snapshot) ChildrenRecursive(id string) []string {
	var out []string
	queue := append([]string(nil), s[id].Children...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		queue = append(queue, s[cur].Children...)
	}
	return out
}

// isAncestor reports whether ancestorID appears on id's parent chain.
func (s Snapshot) isAncestor(ancestorID, id string) bool {
	cur := s[id]
	for cur.ParentID != nil {
		if *cur.ParentID == ancestorID {
			return true
		}
		cur = s[*cur.ParentID]
	}
	return false
}

// root walks the parent chain to the hierarchy root of id.
func (s Snapshot) root(id string) string {
	cur := s[id]
	for cur.ParentID != nil {
		cur = s[*cur.ParentID]
	}
	return cur.ID
}

// CanAddChild decides whether candidate may become a hierarchy child of
// parent. It rejects cross-project pairs, self-reference, pairs that already
// share a hierarchy root, and candidates that exceed the parent's remaining
// expected-effort budget, then delegates to the generic cycle check.
func (s Snapshot) CanAddChild(parent, candidate domain.Issue) error {
	if parent.ProjectID != candidate.ProjectID {
		return validationf("issues %s and %s belong to different projects", parent.ID, candidate.ID)
	}
	if parent.ID == candidate.ID {
		return validationf("issue %s cannot be its own child", parent.ID)
	}
	if s.root(parent.ID) == s.root(candidate.ID) {
		return validationf("issues %s and %s already share a hierarchy; adding the edge would create a cycle", parent.ID, candidate.ID)
	}
	var childSum float64
	for _, childID := range parent.Children {
		childSum += s[childID].Estimate
	}
	if parent.Estimate-childSum < candidate.Estimate {
		return validationf("estimate of %s (%.1fh) exceeds the remaining budget of parent %s (%.1fh)",
			candidate.ID, candidate.Estimate, parent.ID, parent.Estimate-childSum)
	}
	return s.CanAddAssociation(parent, candidate)
}

// CanAddPredecessor decides whether candidate may become a predecessor of
// successor. It rejects cross-project pairs, self-reference, and pairs already
// related through the hierarchy, then delegates to the generic cycle check.
func (s Snapshot) CanAddPredecessor(successor, candidate domain.Issue) error {
	if successor.ProjectID != candidate.ProjectID {
		return validationf("issues %s and %s belong to different projects", successor.ID, candidate.ID)
	}
	if successor.ID == candidate.ID {
		return validationf("issue %s cannot be its own predecessor", successor.ID)
	}
	if s.isAncestor(candidate.ID, successor.ID) || s.isAncestor(successor.ID, candidate.ID) {
		return validationf("issues %s and %s are related through the hierarchy", successor.ID, candidate.ID)
	}
	return s.CanAddAssociation(successor, candidate)
}

// CanAddAssociation is the generic cycle check shared by both relation kinds.
// It breadth-first traverses from issue and all of its recursive hierarchy
// descendants; at each visited node it also enqueues the node's hierarchy
// parent and the node's successors together with their recursive descendants.
// Dequeuing other means the new edge would close a cycle through some
// combination of the two relation types.
func (s Snapshot) CanAddAssociation(issue, other domain.Issue) error {
	queue := append([]string{issue.ID}, s.ChildrenRecursive(issue.ID)...)
	visited := make(map[string]bool, len(queue))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == other.ID {
			return validationf("associating %s with %s would create a cycle", issue.ID, other.ID)
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		node := s[cur]
		if node.ParentID != nil {
			queue = append(queue, *node.ParentID)
		}
		for _, succ := range node.Successors {
			queue = append(queue, succ)
			queue = append(queue, s.ChildrenRecursive(succ)...)
		}
	}
	return nil
}
