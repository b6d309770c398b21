package conflict

// Quorum returns the number of distinct agreeing sources a consensus group
// needs when n sources take part: a strict majority, n/2+1, raised
// to floor when that is larger. Reaching the threshold exactly is enough.
func Quorum(n, floor int) int {
	q := n/2 + 1
	if q < floor {
		q = floor
	}
	return q
}

// consensus groups candidates by identical action and returns the
// representative of the only group whose distinct source count reaches
// the quorum. Two groups at quorum (possible when one source backs both)
// settle nothing.
func (r *Resolver) consensus(cands []Candidate) (int, bool) {
	type group struct {
		first   int
		sources map[string]struct{}
	}
	var groups []*group
	all := make(map[string]struct{})

	for i, c := range cands {
		src := c.Rule.Source()
		if src == "" {
			src = c.Rule.ID
		}
		all[src] = struct{}{}

		var g *group
		for _, existing := range groups {
			if cands[existing.first].Action.Equal(c.Action) {
				g = existing
				break
			}
		}
		if g == nil {
			g = &group{first: i, sources: make(map[string]struct{})}
			groups = append(groups, g)
		}
		g.sources[src] = struct{}{}
	}

	need := Quorum(len(all), r.minQuorum)
	var passing []int
	for _, g := range groups {
		if len(g.sources) >= need {
			passing = append(passing, g.first)
		}
	}
	if len(passing) != 1 {
		return -1, false
	}
	return passing[0], true
}
