package dataset

import (
	"context"
	"math/rand"

	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"

	"embedforge/internal/model"
)

// Source yields training records by index.
type Source interface {
	Len() int
	Record(i int, burnin bool, rng *rand.Rand) ([]int, error)
}

// CollateFunc turns the records of one batch into a model batch.
type CollateFunc func(records [][]int) (model.Batch, error)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	Seed       int64
	Collate    CollateFunc
}

// Loader draws shuffled fixed-size batches from a Source, one fresh pass per
// epoch. With NumWorkers > 0 batches are prefetched concurrently but always
// delivered in shuffled order.
type Loader struct {
	src  Source
	opts LoaderOptions
}

// NewLoader validates opts and prepares src for concurrent reads.
func NewLoader(src Source, opts LoaderOptions) (*Loader, error) {
	if src == nil {
		return nil, errors.New("loader: nil source")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers < 0 {
		return nil, errors.Errorf("loader: workers must be >= 0 (got %d)", opts.NumWorkers)
	}
	if opts.Collate == nil {
		opts.Collate = Collate
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	if f, ok := src.(interface{ Freeze() }); ok {
		f.Freeze()
	}
	return &Loader{src: src, opts: opts}, nil
}

// NumBatches returns the number of batches per epoch, counting a trailing
// partial batch.
func (l *Loader) NumBatches() int {
	n := l.src.Len()
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

type batchJob struct {
	id      int
	indices []int
}

type batchResult struct {
	id    int
	batch model.Batch
}

// Epoch starts one pass over the source. burnin is forwarded to every
// Record call of this pass. The iterator must be closed.
func (l *Loader) Epoch(ctx context.Context, epoch int, burnin bool) *Iterator {
	jobs := l.plan(epoch)
	it := &Iterator{loader: l, epoch: epoch, burnin: burnin, jobs: jobs}
	if l.opts.NumWorkers == 0 || len(jobs) == 0 {
		it.ctx = ctx
		return it
	}

	ctx, cancel := context.WithCancel(ctx)
	it.ctx = ctx
	it.cancel = cancel
	it.out = make(chan model.Batch, l.opts.NumWorkers)
	it.done = make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	pending := make(chan batchJob)
	results := make(chan batchResult, l.opts.NumWorkers)

	g.Go(func() error {
		defer close(pending)
		for _, job := range jobs {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case pending <- job:
			}
		}
		return nil
	})
	for i := 0; i < l.opts.NumWorkers; i++ {
		g.Go(func() error {
			for job := range pending {
				batch, err := l.build(epoch, burnin, job)
				if err != nil {
					return err
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				case results <- batchResult{id: job.id, batch: batch}:
				}
			}
			return nil
		})
	}
	go func() {
		err := g.Wait()
		close(results)
		it.done <- err
	}()
	go reorder(ctx, results, it.out)
	return it
}

// reorder forwards results to out in job order.
func reorder(ctx context.Context, results <-chan batchResult, out chan<- model.Batch) {
	defer close(out)
	pending := make(map[int]model.Batch)
	next := 0
	for res := range results {
		pending[res.id] = res.batch
		for {
			batch, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			select {
			case <-ctx.Done():
				return
			case out <- batch:
			}
			next++
		}
	}
}

func (l *Loader) plan(epoch int) []batchJob {
	n := l.src.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	jobs := make([]batchJob, 0, l.NumBatches())
	for start := 0; start < n; start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, n)
		jobs = append(jobs, batchJob{id: len(jobs), indices: order[start:end]})
	}
	return jobs
}

func (l *Loader) build(epoch int, burnin bool, job batchJob) (model.Batch, error) {
	// per-batch seed keeps sampling independent of worker scheduling
	seed := l.opts.Seed ^ (int64(epoch)<<32 | int64(job.id))
	rng := rand.New(rand.NewSource(seed))
	records := make([][]int, 0, len(job.indices))
	for _, idx := range job.indices {
		rec, err := l.src.Record(idx, burnin, rng)
		if err != nil {
			return model.Batch{}, errors.Annotatef(err, "batch %d", job.id)
		}
		records = append(records, rec)
	}
	batch, err := l.opts.Collate(records)
	if err != nil {
		return model.Batch{}, errors.Annotatef(err, "collate batch %d", job.id)
	}
	return batch, nil
}

// Iterator walks the batches of one epoch.
type Iterator struct {
	loader *Loader
	epoch  int
	burnin bool
	jobs   []batchJob

	ctx  context.Context
	next int

	// prefetch mode
	cancel context.CancelFunc
	out    chan model.Batch
	done   chan error
	waited bool

	err error
}

// Next returns the next batch. It returns false when the pass is exhausted or
// failed; Err distinguishes the two.
func (it *Iterator) Next() (model.Batch, bool) {
	if it.err != nil {
		return model.Batch{}, false
	}
	if it.out == nil {
		return it.nextInline()
	}
	batch, ok := <-it.out
	if !ok {
		it.wait()
		return model.Batch{}, false
	}
	it.next++
	return batch, true
}

func (it *Iterator) nextInline() (model.Batch, bool) {
	if it.next >= len(it.jobs) {
		return model.Batch{}, false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return model.Batch{}, false
	}
	batch, err := it.loader.build(it.epoch, it.burnin, it.jobs[it.next])
	if err != nil {
		it.err = err
		return model.Batch{}, false
	}
	it.next++
	return batch, true
}

func (it *Iterator) wait() {
	if it.waited {
		return
	}
	it.waited = true
	if err := <-it.done; err != nil {
		it.err = err
		return
	}
	if it.next < len(it.jobs) {
		// the reorder loop bailed out on cancellation after the workers finished
		it.err = errors.Annotatef(it.ctx.Err(), "loader: pass ended after %d of %d batches", it.next, len(it.jobs))
	}
}

// Err returns the error that ended the pass, if any.
func (it *Iterator) Err() error { return it.err }

// Close stops prefetching and releases the workers.
func (it *Iterator) Close() {
	if it.out == nil {
		return
	}
	it.cancel()
	for range it.out {
	}
	if !it.waited {
		it.waited = true
		<-it.done
	}
}
