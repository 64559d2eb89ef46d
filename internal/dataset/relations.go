package dataset

import (
	"bufio"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"

	"github.com/pingcap/errors"

	"embedforge/internal/model"
)

// unigramPower flattens the degree distribution used for burn-in negatives.
const unigramPower = 0.75

// maxNegativeTries bounds rejection sampling per requested negative.
const maxNegativeTries = 10

// ErrNoNegatives is returned when an anchor is adjacent to every other object.
var ErrNoNegatives = errors.New("dataset: no negative candidates")

// Relations is a set of observed (u, v) edges over named objects.
type Relations struct {
	objects   []string
	index     map[string]int
	edges     [][2]int
	adjacency map[int]map[int]struct{}
	// cumulative unigram^0.75 weights, one per object
	cumWeights []float64
	negs       int
}

// NewRelations returns an empty relation set drawing negs negatives per edge.
func NewRelations(negs int) *Relations {
	if negs <= 0 {
		negs = 1
	}
	return &Relations{
		index:     make(map[string]int),
		adjacency: make(map[int]map[int]struct{}),
		negs:      negs,
	}
}

// LoadEdgeList parses "u<TAB or comma>v[...]" lines from paths. Blank lines and
// lines starting with '#' are skipped; extra columns are ignored.
func LoadEdgeList(negs int, paths ...string) (*Relations, error) {
	rel := NewRelations(negs)
	for _, path := range paths {
		if err := rel.loadFile(path); err != nil {
			return nil, err
		}
	}
	if len(rel.edges) == 0 {
		return nil, errors.Errorf("dataset: no edges in %v", paths)
	}
	return rel, nil
}

func (r *Relations) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Annotate(err, "open edge list")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(c rune) bool { return c == '\t' || c == ',' })
		if len(fields) < 2 {
			return errors.Errorf("%s:%d: want at least two columns", path, lineNo)
		}
		r.AddEdge(strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1]))
	}
	return errors.Annotatef(scanner.Err(), "read %s", path)
}

// AddEdge records u -> v. Duplicates and self loops are ignored.
func (r *Relations) AddEdge(u, v string) {
	ui, vi := r.intern(u), r.intern(v)
	if ui == vi {
		return
	}
	if _, dup := r.adjacency[ui][vi]; dup {
		return
	}
	r.link(ui, vi)
	r.link(vi, ui)
	r.edges = append(r.edges, [2]int{ui, vi})
	r.cumWeights = nil
}

func (r *Relations) intern(name string) int {
	if id, ok := r.index[name]; ok {
		return id
	}
	id := len(r.objects)
	r.objects = append(r.objects, name)
	r.index[name] = id
	return id
}

func (r *Relations) link(a, b int) {
	set, ok := r.adjacency[a]
	if !ok {
		set = make(map[int]struct{})
		r.adjacency[a] = set
	}
	set[b] = struct{}{}
}

// Len returns the number of edges.
func (r *Relations) Len() int { return len(r.edges) }

// NumObjects returns the number of distinct objects.
func (r *Relations) NumObjects() int { return len(r.objects) }

// Objects returns object names indexed by id.
func (r *Relations) Objects() []string { return r.objects }

// Edge returns edge i.
func (r *Relations) Edge(i int) (int, int) { return r.edges[i][0], r.edges[i][1] }

// Neighbors returns the sorted neighbours of object u.
func (r *Relations) Neighbors(u int) []int {
	out := make([]int, 0, len(r.adjacency[u]))
	for v := range r.adjacency[u] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Adjacent reports whether u and v share an edge.
func (r *Relations) Adjacent(u, v int) bool {
	_, ok := r.adjacency[u][v]
	return ok
}

// Freeze precomputes the burn-in sampling table. Record calls it lazily, but
// concurrent loaders need it done up front.
func (r *Relations) Freeze() {
	if r.cumWeights != nil {
		return
	}
	cum := make([]float64, len(r.objects))
	total := 0.0
	for id := range r.objects {
		total += math.Pow(float64(len(r.adjacency[id])), unigramPower)
		cum[id] = total
	}
	r.cumWeights = cum
}

// Record returns [u, v, n1..nK] for edge i. During burn-in negatives follow
// the unigram^0.75 degree distribution, afterwards they are uniform.
func (r *Relations) Record(i int, burnin bool, rng *rand.Rand) ([]int, error) {
	if i < 0 || i >= len(r.edges) {
		return nil, errors.Errorf("dataset: record %d out of range [0, %d)", i, len(r.edges))
	}
	r.Freeze()
	u, v := r.edges[i][0], r.edges[i][1]
	row := make([]int, 2, 2+r.negs)
	row[0], row[1] = u, v

	for tries := 0; len(row) < 2+r.negs && tries < maxNegativeTries*r.negs; tries++ {
		n := r.sample(burnin, rng)
		if n == u || r.Adjacent(u, n) {
			continue
		}
		row = append(row, n)
	}
	if len(row) == 2 {
		// dense neighbourhood: fall back to an exhaustive scan
		candidates := r.nonNeighbors(u)
		if len(candidates) == 0 {
			return nil, errors.Annotatef(ErrNoNegatives, "object %q", r.objects[u])
		}
		row = append(row, candidates[rng.Intn(len(candidates))])
	}
	found := len(row) - 2
	for k := 0; len(row) < 2+r.negs; k++ {
		row = append(row, row[2+k%found])
	}
	return row, nil
}

func (r *Relations) nonNeighbors(u int) []int {
	var out []int
	for id := range r.objects {
		if id != u && !r.Adjacent(u, id) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Relations) sample(burnin bool, rng *rand.Rand) int {
	if !burnin {
		return rng.Intn(len(r.objects))
	}
	total := r.cumWeights[len(r.cumWeights)-1]
	return sort.SearchFloat64s(r.cumWeights, rng.Float64()*total)
}

// Collate stacks records into a batch whose targets all point at column 0 of
// the candidate list, i.e. the observed neighbour.
func Collate(records [][]int) (model.Batch, error) {
	if len(records) == 0 {
		return model.Batch{}, errors.New("dataset: collate empty batch")
	}
	return model.Batch{
		Inputs:  records,
		Targets: make([]int, len(records)),
	}, nil
}
