package model

import "github.com/pingcap/errors"

// Batch represents a minibatch of index tuples and targets. Each input row is
// [u, v, n1, ..., nK]: an anchor, its observed neighbour and K negatives.
// Targets hold the column of the positive entry for every row.
type Batch struct {
	Inputs  [][]int
	Targets []int
}

// Len returns the number of rows in the batch.
func (b Batch) Len() int {
	return len(b.Inputs)
}

// Handle is a read view of the trainable parameters.
type Handle interface {
	Len() int
	Dim() int
	Vector(i int) []float64
	Distance(i, j int) float64
	Clone() Handle
}

// Preds is the output of a forward pass. Only the model that produced it can
// score it.
type Preds any

// Loss is a scalar with a recorded backward pass.
type Loss interface {
	Item() float64
	Backward() error
}

// Trainable is a model the training loop can drive.
type Trainable interface {
	Handle
	Forward(inputs [][]int) (Preds, error)
	Loss(preds Preds, margin float64) (Loss, error)
}

var (
	// ErrMalformedInput is returned for rows that are too short or reference unknown objects.
	ErrMalformedInput = errors.New("model: malformed input")
	// ErrForeignPreds is returned when predictions are scored by a replica that did not produce them.
	ErrForeignPreds = errors.New("model: predictions belong to another replica")
	// ErrBackwardTwice is returned when a loss is backpropagated more than once.
	ErrBackwardTwice = errors.New("model: loss already backpropagated")
)
