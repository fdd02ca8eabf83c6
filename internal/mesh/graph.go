package mesh

// graph is a tight in-process undirected weighted graph: an adjacency
// map of node_id -> {neighbour -> weight}, searched with an iterative,
// bounded-depth Dijkstra rather than a graph library — no third-party
// graph package is warranted for a handful of neighbours per node.
type graph struct {
	adjacency map[string]map[string]float64
}

func newGraph() *graph {
	return &graph{adjacency: make(map[string]map[string]float64)}
}

// setEdge creates or refreshes the undirected edge (a, b) with the
// given weight.
func (g *graph) setEdge(a, b string, weight float64) {
	g.ensure(a)
	g.ensure(b)
	g.adjacency[a][b] = weight
	g.adjacency[b][a] = weight
}

// removeNode deletes a node and every edge touching it. A node is
// removed from the graph iff its neighbour record is removed.
func (g *graph) removeNode(id string) {
	for peer := range g.adjacency[id] {
		delete(g.adjacency[peer], id)
	}
	delete(g.adjacency, id)
}

func (g *graph) ensure(id string) {
	if _, ok := g.adjacency[id]; !ok {
		g.adjacency[id] = make(map[string]float64)
	}
}

func (g *graph) empty() bool { return len(g.adjacency) == 0 }

// edgeWeight returns the weight of edge (a, b) and whether it exists.
func (g *graph) edgeWeight(a, b string) (float64, bool) {
	w, ok := g.adjacency[a][b]
	return w, ok
}

// shortestPaths runs Dijkstra from source, restricted to paths of at
// most maxHops edges, and returns for every reachable node its next
// hop from source and its hop count.
type pathInfo struct {
	nextHop string
	hops    int
	cost    float64
}

func (g *graph) shortestPaths(source string, maxHops int) map[string]pathInfo {
	result := make(map[string]pathInfo)
	if _, ok := g.adjacency[source]; !ok {
		return result
	}

	type item struct {
		node string
		cost float64
		hops int
	}

	dist := map[string]float64{source: 0}
	hops := map[string]int{source: 0}
	nextHop := map[string]string{}
	visited := map[string]bool{}

	frontier := []item{{source, 0, 0}}

	for len(frontier) > 0 {
		// Pick the minimum-cost unvisited item (small graphs: linear
		// scan is simpler and plenty fast for a mesh's neighbour
		// counts, avoiding a container/heap dependency for O(10s) of
		// nodes).
		minIdx := 0
		for i := 1; i < len(frontier); i++ {
			if frontier[i].cost < frontier[minIdx].cost {
				minIdx = i
			}
		}
		cur := frontier[minIdx]
		frontier = append(frontier[:minIdx], frontier[minIdx+1:]...)

		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true

		if cur.hops >= maxHops {
			continue
		}

		for peer, w := range g.adjacency[cur.node] {
			if visited[peer] {
				continue
			}
			newCost := cur.cost + w
			newHops := cur.hops + 1
			if existing, ok := dist[peer]; !ok || newCost < existing {
				dist[peer] = newCost
				hops[peer] = newHops
				if cur.node == source {
					nextHop[peer] = peer
				} else {
					nextHop[peer] = nextHop[cur.node]
				}
				frontier = append(frontier, item{peer, newCost, newHops})
			}
		}
	}

	for node, d := range dist {
		if node == source {
			continue
		}
		result[node] = pathInfo{nextHop: nextHop[node], hops: hops[node], cost: d}
	}
	return result
}

// firstHopWeight returns the weight of the edge from source to its
// direct next hop toward dest, used for tie-breaking in ROUTE_UPDATE
// handling.
func (g *graph) firstHopWeight(source, nextHop string) (float64, bool) {
	return g.edgeWeight(source, nextHop)
}
