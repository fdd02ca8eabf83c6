package mesh

// routingTable maps destination -> next_hop, rebuilt from scratch
// whenever the graph changes. The local node is never a key.
type routingTable struct {
	nextHop map[string]string
}

func newRoutingTable() *routingTable {
	return &routingTable{nextHop: make(map[string]string)}
}

func (r *routingTable) get(dest string) (string, bool) {
	nh, ok := r.nextHop[dest]
	return nh, ok
}

func (r *routingTable) set(dest, nextHop string) {
	r.nextHop[dest] = nextHop
}

func (r *routingTable) len() int { return len(r.nextHop) }

func (r *routingTable) empty() bool { return len(r.nextHop) == 0 }

func (r *routingTable) snapshot() map[string]string {
	out := make(map[string]string, len(r.nextHop))
	for k, v := range r.nextHop {
		out[k] = v
	}
	return out
}

// equal reports whether two routing tables have identical contents,
// used to decide whether a rebuild changed anything and therefore
// warrants a ROUTE_UPDATE broadcast.
func (r *routingTable) equal(other map[string]string) bool {
	if len(r.nextHop) != len(other) {
		return false
	}
	for k, v := range r.nextHop {
		if other[k] != v {
			return false
		}
	}
	return true
}

// rebuild derives a fresh destination->next_hop map from the current
// graph via bounded shortest-path search starting at self, excluding
// self as a destination.
func rebuildRoutingTable(g *graph, self string, maxHops int) map[string]string {
	paths := g.shortestPaths(self, maxHops)
	table := make(map[string]string, len(paths))
	for dest, info := range paths {
		if dest == self {
			continue
		}
		table[dest] = info.nextHop
	}
	return table
}

// mergeRouteUpdate applies one advertised route from a ROUTE_UPDATE
// envelope: if the shortest path in the local graph to the
// advertiser is within MAX_HOPS-1, the advertiser becomes the next
// hop for dest, unless dest is self. Ties in first-hop edge weight
// keep the existing entry (stability).
func (r *routingTable) mergeRouteUpdate(g *graph, self, advertiser string, routes []RouteEntry, maxHops int) bool {
	paths := g.shortestPaths(self, maxHops)
	info, reachable := paths[advertiser]
	if !reachable || info.hops > maxHops-1 {
		return false
	}

	changed := false
	for _, entry := range routes {
		dest, _ := entry[0], entry[1]
		if dest == self {
			continue
		}

		current, hasCurrent := r.nextHop[dest]
		if !hasCurrent {
			r.nextHop[dest] = advertiser
			changed = true
			continue
		}
		if current == advertiser {
			continue
		}

		newWeight, newOK := g.firstHopWeight(self, advertiser)
		curWeight, curOK := g.firstHopWeight(self, current)
		switch {
		case newOK && curOK && newWeight < curWeight:
			r.nextHop[dest] = advertiser
			changed = true
		case newOK && !curOK:
			r.nextHop[dest] = advertiser
			changed = true
		// exact tie or new route is worse: keep current entry (stability)
		}
	}
	return changed
}
