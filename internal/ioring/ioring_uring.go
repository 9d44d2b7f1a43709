//go:build iouring
// +build iouring

package ioring

import (
	"fmt"
	"sync"

	"github.com/pawelgaczynski/giouring"
)

// uringRing backs Ring with a real io_uring submission/completion
// queue pair via giouring, batching every queued Op into one Submit
// call and draining exactly that many completions.
type uringRing struct {
	mu      sync.Mutex
	ring    *giouring.Ring
	pending []Op
}

func New(entries uint32) (Ring, error) {
	ring, err := giouring.NewRing(entries)
	if err != nil {
		return nil, fmt.Errorf("ioring: new ring: %w", err)
	}
	return &uringRing{ring: ring}, nil
}

func (r *uringRing) Queue(op Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("ioring: submission queue full")
	}
	if op.Write {
		sqe.PrepWrite(op.FD, op.Buf, uint64(op.Offset), 0)
	} else {
		sqe.PrepRead(op.FD, op.Buf, uint64(op.Offset))
	}
	sqe.UserData = op.UserData
	r.pending = append(r.pending, op)
	return nil
}

func (r *uringRing) Submit() ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return nil, nil
	}

	if _, err := r.ring.Submit(); err != nil {
		return nil, fmt.Errorf("ioring: submit: %w", err)
	}

	results := make([]Result, 0, len(r.pending))
	for range r.pending {
		cqe, err := r.ring.WaitCQE()
		if err != nil {
			results = append(results, Result{Err: fmt.Errorf("ioring: wait cqe: %w", err)})
			continue
		}
		res := Result{UserData: cqe.UserData, N: int(cqe.Res)}
		if cqe.Res < 0 {
			res.Err = fmt.Errorf("ioring: completion error code %d", -cqe.Res)
		}
		results = append(results, res)
		r.ring.CQESeen(cqe)
	}

	r.pending = r.pending[:0]
	return results, nil
}

func (r *uringRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.QueueExit()
	return nil
}
