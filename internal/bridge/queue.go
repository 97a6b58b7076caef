package bridge

import (
	"context"
)

// Pending is the handle of a queued entry action. It settles when the action ran or was
// dropped; a dropped action settles without error.
type Pending struct {
	done chan struct{}
	ran  bool
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func settledPending() *Pending {
	pending := newPending()
	close(pending.done)
	return pending
}

// Wait blocks until the action settled and returns the error of its body.
func (p *Pending) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the action settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Ran reports whether the body executed. Only meaningful after Done is closed.
func (p *Pending) Ran() bool {
	return p.ran
}

func (p *Pending) settle(ran bool, err error) {
	p.ran = ran
	p.err = err
	close(p.done)
}

type actionFunc func(ctx context.Context, layer Layer) error

type queuedAction struct {
	name    string
	run     actionFunc
	pending *Pending
}

// actionQueue holds the actions of one entry. All fields are guarded by the synchronizer mutex.
type actionQueue struct {
	items   []*queuedAction
	running bool
	active  bool
	wake    chan struct{}
}

func newActionQueue() *actionQueue {
	return &actionQueue{wake: make(chan struct{}, 1)}
}

// push appends the action and drops a queued action of the same name.
func (q *actionQueue) push(name string, run actionFunc) *Pending {
	kept := q.items[:0]
	for _, item := range q.items {
		if item.name == name {
			item.pending.settle(false, nil)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept

	action := &queuedAction{name: name, run: run, pending: newPending()}
	q.items = append(q.items, action)
	return action.pending
}

func (q *actionQueue) pop() *queuedAction {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head
}

// cancel settles every queued action without running it.
func (q *actionQueue) cancel() {
	for _, item := range q.items {
		item.pending.settle(false, nil)
	}
	q.items = nil
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// busy reports whether an action is queued or running.
func (q *actionQueue) busy() bool {
	return q.running || len(q.items) > 0
}

// pageFuture resolves once when the layer of a page was rendered.
type pageFuture struct {
	ready chan struct{}
}

func newPageFuture() *pageFuture {
	return &pageFuture{ready: make(chan struct{})}
}

func (f *pageFuture) resolve() {
	close(f.ready)
}
