package plan

import "github.com/mlweave/loom/plan/graph"

// GenBinaryTree returns the broadcast graph of a complete binary tree over k
// ranks rooted at 0.
func GenBinaryTree(k int) *graph.Graph {
	g := graph.New(k)
	for i := 0; i < k; i++ {
		if j := i*2 + 1; j < k {
			g.AddEdge(i, j)
		}
		if j := i*2 + 2; j < k {
			g.AddEdge(i, j)
		}
	}
	return g
}

// GenDefaultReduceGraph derives the gather graph from a broadcast graph by
// reversing its edges and adding a self loop on every rank.
func GenDefaultReduceGraph(g *graph.Graph) *graph.Graph {
	g0 := g.Reverse()
	k := len(g.Nodes)
	for i := 0; i < k; i++ {
		g0.AddEdge(i, i)
	}
	return g0
}
