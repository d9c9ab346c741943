package depth

import (
	"context"
	"sync"

	"orderflow-systemv1/internal/model"
)

// FanOut broadcasts completed snapshots from a single input channel to N
// output channels (persister, cache publisher, local analyzer). If an
// output channel is full the snapshot is dropped for that consumer so a
// slow consumer never blocks persistence of the next snapshot.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan *model.DepthSnapshot
	bufSize int

	// OnDrop is called when a snapshot is dropped for a subscriber;
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
}

// NewFanOut creates a FanOut with the given buffer size for output
// channels.
func NewFanOut(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new output channel.
func (f *FanOut) Subscribe() <-chan *model.DepthSnapshot {
	ch := make(chan *model.DepthSnapshot, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan *model.DepthSnapshot) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- snap:
				default:
					if f.OnDrop != nil {
						f.OnDrop(i)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}
