package dataloader

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/firenet/tensor"
	"github.com/tsawler/firenet/vision/augmentation"
)

// Batch is one mini-batch of inputs and one-hot targets.
type Batch struct {
	Inputs  *tensor.Tensor // [B, C, H, W]
	Targets *tensor.Tensor // [B, classes]
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Inputs.Len()
}

// BatchSource yields mini-batches indefinitely, wrapping around (and
// reshuffling) at the end of every pass over the data.
type BatchSource interface {
	NextBatch() (*Batch, error)
	Reset()
	Len() int
	BatchSize() int
}

// Config holds configuration for ArrayLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	Augmenter *augmentation.Augmenter // optional, applied to every batch
}

// ArrayLoader serves batches from in-memory sample and target tensors.
type ArrayLoader struct {
	inputs  *tensor.Tensor
	targets *tensor.Tensor

	batchSize int
	shuffle   bool
	augmenter *augmentation.Augmenter
	rng       *rand.Rand

	indices  []int
	position int
	epoch    int
	mu       sync.Mutex
}

// NewArrayLoader creates a loader over aligned inputs and targets.
func NewArrayLoader(inputs, targets *tensor.Tensor, config Config) (*ArrayLoader, error) {
	if inputs.Len() != targets.Len() {
		return nil, errors.Errorf("inputs (%d) and targets (%d) are not aligned", inputs.Len(), targets.Len())
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", config.BatchSize)
	}

	indices := make([]int, inputs.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &ArrayLoader{
		inputs:    inputs,
		targets:   targets,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		augmenter: config.Augmenter,
		rng:       rand.New(rand.NewSource(config.Seed)),
		indices:   indices,
	}
	if dl.shuffle {
		dl.shuffleIndices()
	}
	return dl, nil
}

func (dl *ArrayLoader) shuffleIndices() {
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds to the start of a fresh pass.
func (dl *ArrayLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.shuffleIndices()
	}
}

// NextBatch returns the next batch. The last batch of a pass may be smaller
// than BatchSize; the following call starts a new pass.
func (dl *ArrayLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if len(dl.indices) == 0 {
		return nil, errors.New("dataloader is empty")
	}
	if dl.position >= len(dl.indices) {
		dl.position = 0
		dl.epoch++
		if dl.shuffle {
			dl.shuffleIndices()
		}
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	idx := dl.indices[dl.position:end]
	dl.position = end

	inputs, err := dl.inputs.Gather(idx)
	if err != nil {
		return nil, err
	}
	targets, err := dl.targets.Gather(idx)
	if err != nil {
		return nil, err
	}

	if dl.augmenter != nil {
		inputs, err = dl.augmenter.AugmentBatch(inputs)
		if err != nil {
			return nil, errors.Wrap(err, "augmenting batch")
		}
	}

	return &Batch{Inputs: inputs, Targets: targets}, nil
}

// Len returns the number of samples per pass.
func (dl *ArrayLoader) Len() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size.
func (dl *ArrayLoader) BatchSize() int {
	return dl.batchSize
}

// Epoch returns how many full passes have been completed.
func (dl *ArrayLoader) Epoch() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.epoch
}

// StepsPerEpoch returns ceil(Len / BatchSize) for a source.
func StepsPerEpoch(src BatchSource) int {
	if src.BatchSize() <= 0 {
		return 0
	}
	return (src.Len() + src.BatchSize() - 1) / src.BatchSize()
}
