// Package eval scores an embedding by how well it reconstructs the graph it
// was trained on.
package eval

import (
	"context"
	"runtime"
	"sort"

	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"

	"embedforge/internal/model"
)

// Graph is the observed adjacency an embedding is scored against.
type Graph interface {
	NumObjects() int
	Neighbors(u int) []int
	Adjacent(u, v int) bool
}

// Result summarizes a reconstruction pass.
type Result struct {
	// MeanRank is the average over observed edges (u, v) of 1 + the number of
	// non-neighbours of u closer to u than v. 1 is perfect.
	MeanRank float64
	// MAP is the mean over objects of the average precision of ranking all
	// other objects by distance. 1 is perfect.
	MAP float64
	// Edges and Objects count what was scored; objects without neighbours are
	// skipped.
	Edges   int
	Objects int
}

type objectScore struct {
	rankSum float64
	edges   int
	ap      float64
}

// Reconstruction ranks, for every object, all other objects by distance and
// measures where the observed neighbours land. Objects are scored on up to
// workers goroutines; workers <= 0 uses GOMAXPROCS.
func Reconstruction(ctx context.Context, h model.Handle, g Graph, workers int) (Result, error) {
	n := g.NumObjects()
	if h.Len() != n {
		return Result{}, errors.Errorf("eval: model has %d vectors, graph has %d objects", h.Len(), n)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	scores := make([]objectScore, n)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for u := 0; u < n; u++ {
		u := u
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return errors.Trace(err)
			}
			scores[u] = scoreObject(h, g, u)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	var rankSum, apSum float64
	for _, s := range scores {
		if s.edges == 0 {
			continue
		}
		rankSum += s.rankSum
		apSum += s.ap
		res.Edges += s.edges
		res.Objects++
	}
	if res.Objects == 0 {
		return Result{}, errors.New("eval: graph has no edges")
	}
	res.MeanRank = rankSum / float64(res.Edges)
	res.MAP = apSum / float64(res.Objects)
	return res, nil
}

type candidate struct {
	id   int
	dist float64
}

func scoreObject(h model.Handle, g Graph, u int) objectScore {
	neighbors := g.Neighbors(u)
	if len(neighbors) == 0 {
		return objectScore{}
	}
	n := g.NumObjects()
	cands := make([]candidate, 0, n-1)
	for v := 0; v < n; v++ {
		if v != u {
			cands = append(cands, candidate{id: v, dist: h.Distance(u, v)})
		}
	}
	// ties resolve in id order so scores are reproducible
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].id < cands[j].id
	})

	var s objectScore
	closerNonNeighbors := 0
	hits := 0
	for pos, c := range cands {
		if !g.Adjacent(u, c.id) {
			closerNonNeighbors++
			continue
		}
		hits++
		s.rankSum += float64(1 + closerNonNeighbors)
		s.ap += float64(hits) / float64(pos+1)
	}
	s.edges = hits
	s.ap /= float64(hits)
	return s
}
