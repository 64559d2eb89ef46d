package model

import (
	"math"
	"math/rand"
	"sync"

	"github.com/pingcap/errors"
)

const (
	eps = 1e-5
	// MaxNorm bounds every vector strictly inside the unit ball.
	MaxNorm = 1 - eps

	initRange = 1e-3
)

var _ Trainable = (*Replica)(nil)

// Embedding is a table of points in the Poincaré ball shared by every rank.
type Embedding struct {
	mu      sync.RWMutex
	n       int
	dim     int
	weights []float64
}

// NewEmbedding constructs n vectors of size dim with small random coordinates.
func NewEmbedding(n, dim int, seed int64) *Embedding {
	if dim <= 0 {
		dim = 10
	}
	if n < 0 {
		n = 0
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float64, n*dim)
	for i := range weights {
		weights[i] = (rng.Float64()*2 - 1) * initRange
	}
	return &Embedding{n: n, dim: dim, weights: weights}
}

// FromVectors builds an embedding from explicit rows, e.g. a restored checkpoint.
func FromVectors(vectors [][]float64) (*Embedding, error) {
	if len(vectors) == 0 {
		return &Embedding{dim: 1}, nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, errors.Annotate(ErrMalformedInput, "zero-dimensional vectors")
	}
	weights := make([]float64, 0, len(vectors)*dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, errors.Annotatef(ErrMalformedInput, "vector %d has dim %d, want %d", i, len(v), dim)
		}
		weights = append(weights, v...)
	}
	return &Embedding{n: len(vectors), dim: dim, weights: weights}, nil
}

// Len returns the number of embedded objects.
func (e *Embedding) Len() int { return e.n }

// Dim returns the vector size.
func (e *Embedding) Dim() int { return e.dim }

// Vector returns a copy of row i.
func (e *Embedding) Vector(i int) []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]float64(nil), e.row(i)...)
}

// Distance returns the Poincaré distance between rows i and j.
func (e *Embedding) Distance(i, j int) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return distance(e.row(i), e.row(j))
}

// Clone returns a deep copy that no later update can reach.
func (e *Embedding) Clone() Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &Embedding{
		n:       e.n,
		dim:     e.dim,
		weights: append([]float64(nil), e.weights...),
	}
}

// NewReplica returns a per-rank view with its own gradient buffer.
func (e *Embedding) NewReplica() *Replica {
	return &Replica{emb: e, grads: make(map[int][]float64)}
}

func (e *Embedding) row(i int) []float64 {
	return e.weights[i*e.dim : (i+1)*e.dim]
}

// Replica trains the shared embedding on behalf of a single rank. A Replica is
// not safe for concurrent use; the embedding it wraps is.
type Replica struct {
	emb   *Embedding
	grads map[int][]float64
}

// Len returns the number of embedded objects.
func (r *Replica) Len() int { return r.emb.Len() }

// Dim returns the vector size.
func (r *Replica) Dim() int { return r.emb.Dim() }

// Vector returns a copy of row i of the shared embedding.
func (r *Replica) Vector(i int) []float64 { return r.emb.Vector(i) }

// Distance returns the Poincaré distance between rows i and j.
func (r *Replica) Distance(i, j int) float64 { return r.emb.Distance(i, j) }

// Clone deep-copies the shared embedding.
func (r *Replica) Clone() Handle { return r.emb.Clone() }

// Distances holds the distances computed by Forward, in input order.
type Distances struct {
	owner  *Replica
	inputs [][]int
	dists  [][]float64
}

// Values returns d(u, row[j+1]) for every row.
func (p *Distances) Values() [][]float64 { return p.dists }

// Forward computes the distance from each anchor to its candidates.
func (r *Replica) Forward(inputs [][]int) (Preds, error) {
	if len(inputs) == 0 {
		return nil, errors.Annotate(ErrMalformedInput, "empty batch")
	}
	e := r.emb
	e.mu.RLock()
	defer e.mu.RUnlock()

	dists := make([][]float64, len(inputs))
	for i, row := range inputs {
		if len(row) < 3 {
			return nil, errors.Annotatef(ErrMalformedInput, "row %d has %d columns, want at least 3", i, len(row))
		}
		for _, idx := range row {
			if idx < 0 || idx >= e.n {
				return nil, errors.Annotatef(ErrMalformedInput, "row %d references object %d of %d", i, idx, e.n)
			}
		}
		u := e.row(row[0])
		d := make([]float64, len(row)-1)
		for j, idx := range row[1:] {
			d[j] = distance(u, e.row(idx))
		}
		dists[i] = d
	}
	return &Distances{owner: r, inputs: inputs, dists: dists}, nil
}

type marginLoss struct {
	owner  *Replica
	value  float64
	inputs [][]int
	// coef[i][j] is dLoss/dd(u_i, row_i[j+1]).
	coef [][]float64
	done bool
}

func (l *marginLoss) Item() float64 { return l.value }

// Loss computes the mean margin ranking loss
// max(0, margin + d(u, v) - d(u, n)) over every negative of every row.
func (r *Replica) Loss(preds Preds, margin float64) (Loss, error) {
	p, ok := preds.(*Distances)
	if !ok || p == nil || p.owner != r {
		return nil, errors.Trace(ErrForeignPreds)
	}
	rows := float64(len(p.dists))
	coef := make([][]float64, len(p.dists))
	total := 0.0
	for i, d := range p.dists {
		negs := float64(len(d) - 1)
		scale := 1 / (negs * rows)
		c := make([]float64, len(d))
		for k := 1; k < len(d); k++ {
			hinge := margin + d[0] - d[k]
			if hinge <= 0 {
				continue
			}
			total += hinge * scale
			c[0] += scale
			c[k] -= scale
		}
		coef[i] = c
	}
	return &marginLoss{owner: r, value: total, inputs: p.inputs, coef: coef}, nil
}

// Backward accumulates the Euclidean gradient of the loss into the replica.
func (l *marginLoss) Backward() error {
	if l.done {
		return errors.Trace(ErrBackwardTwice)
	}
	l.done = true
	r := l.owner
	e := r.emb
	e.mu.RLock()
	defer e.mu.RUnlock()

	for i, row := range l.inputs {
		u := e.row(row[0])
		for j, idx := range row[1:] {
			c := l.coef[i][j]
			if c == 0 {
				continue
			}
			v := e.row(idx)
			gu, gv := distanceGrad(u, v)
			r.accumulate(row[0], gu, c)
			r.accumulate(idx, gv, c)
		}
	}
	return nil
}

func (r *Replica) accumulate(idx int, g []float64, scale float64) {
	acc, ok := r.grads[idx]
	if !ok {
		acc = make([]float64, len(g))
		r.grads[idx] = acc
	}
	for k := range g {
		acc[k] += scale * g[k]
	}
}

// ZeroGrad drops every accumulated gradient.
func (r *Replica) ZeroGrad() {
	clear(r.grads)
}

// NumGrads returns how many rows currently hold a gradient.
func (r *Replica) NumGrads() int { return len(r.grads) }

// Apply calls fn for every row with a gradient while holding the embedding's
// write lock. fn may modify theta in place.
func (r *Replica) Apply(fn func(idx int, theta, grad []float64) error) error {
	e := r.emb
	e.mu.Lock()
	defer e.mu.Unlock()
	for idx, g := range r.grads {
		if err := fn(idx, e.row(idx), g); err != nil {
			return err
		}
	}
	return nil
}

func distance(u, v []float64) float64 {
	return math.Acosh(gamma(u, v))
}

func gamma(u, v []float64) float64 {
	sqU, sqV, sqDist := 0.0, 0.0, 0.0
	for k := range u {
		sqU += u[k] * u[k]
		sqV += v[k] * v[k]
		diff := u[k] - v[k]
		sqDist += diff * diff
	}
	alpha := math.Max(1-sqU, eps)
	beta := math.Max(1-sqV, eps)
	return math.Max(1+2*sqDist/(alpha*beta), 1)
}

// distanceGrad returns the gradients of d(u, v) with respect to u and v.
func distanceGrad(u, v []float64) ([]float64, []float64) {
	sqU, sqV, dot := 0.0, 0.0, 0.0
	for k := range u {
		sqU += u[k] * u[k]
		sqV += v[k] * v[k]
		dot += u[k] * v[k]
	}
	alpha := math.Max(1-sqU, eps)
	beta := math.Max(1-sqV, eps)
	g := gamma(u, v)
	z := math.Max(math.Sqrt(g*g-1), eps)

	cu := 4 / (beta * z)
	cv := 4 / (alpha * z)
	au := (sqV - 2*dot + 1) / (alpha * alpha)
	av := (sqU - 2*dot + 1) / (beta * beta)

	gu := make([]float64, len(u))
	gv := make([]float64, len(v))
	for k := range u {
		gu[k] = cu * (au*u[k] - v[k]/alpha)
		gv[k] = cv * (av*v[k] - u[k]/beta)
	}
	return gu, gv
}
