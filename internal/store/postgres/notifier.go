package postgres

import (
	"context"
	"errors"
	"sync"
)

var (
	errStoreClosed    = errors.New("postgres store closed")
	errListenerClosed = errors.New("listen connection closed")
)

// listenFunc holds a LISTEN session open until ctx ends. It calls ready once
// LISTEN is in effect and dispatch with the payload of every notification.
type listenFunc func(ctx context.Context, ready func(), dispatch func(payload string)) error

// listenRun is one lifetime of the shared LISTEN connection.
type listenRun struct {
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	err    error // set before done is closed
}

// subscriber is woken on every notification for its chat. wake holds at most
// one pending signal; the reader re-reads the whole list anyway.
type subscriber struct {
	wake chan struct{}
	fail chan error
}

func newSubscriber() *subscriber {
	return &subscriber{wake: make(chan struct{}, 1), fail: make(chan error, 1)}
}

// notifier multiplexes every subscription of a Store onto one LISTEN
// connection. The connection is opened with the first subscriber and released
// after the last one leaves.
type notifier struct {
	listen listenFunc

	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	count   int
	current *listenRun
	closed  bool
}

func newNotifier(listen listenFunc) *notifier {
	return &notifier{
		listen: listen,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// add registers sub for chatID and returns the run it is attached to.
func (n *notifier) add(chatID string, sub *subscriber) (*listenRun, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, errStoreClosed
	}

	set, ok := n.subs[chatID]
	if !ok {
		set = make(map[*subscriber]struct{})
		n.subs[chatID] = set
	}
	set[sub] = struct{}{}
	n.count++

	if n.current == nil {
		ctx, cancel := context.WithCancel(context.Background())
		run := &listenRun{cancel: cancel, ready: make(chan struct{}), done: make(chan struct{})}
		n.current = run
		go n.run(ctx, run)
	}
	return n.current, nil
}

func (n *notifier) remove(chatID string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, ok := n.subs[chatID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(n.subs, chatID)
	}
	n.count--

	if n.count == 0 && n.current != nil {
		n.current.cancel()
		n.current = nil
	}
}

func (n *notifier) run(ctx context.Context, run *listenRun) {
	defer close(run.done)

	var once sync.Once
	err := n.listen(ctx, func() { once.Do(func() { close(run.ready) }) }, n.dispatch)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errListenerClosed
	}
	run.err = err
	n.fail(run, err)
}

func (n *notifier) dispatch(chatID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for sub := range n.subs[chatID] {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// fail detaches every subscriber of run and hands each one err. Later
// subscribers start a fresh run.
func (n *notifier) fail(run *listenRun, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.current != run {
		return
	}
	n.current = nil
	n.failAllLocked(err)
}

func (n *notifier) failAllLocked(err error) {
	for _, set := range n.subs {
		for sub := range set {
			select {
			case sub.fail <- err:
			default:
			}
		}
	}
	n.subs = make(map[string]map[*subscriber]struct{})
	n.count = 0
}

// close stops the listener and rejects further subscriptions. The returned
// run, if any, is done once its connection has been released.
func (n *notifier) close() *listenRun {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.closed = true
	n.failAllLocked(errStoreClosed)

	run := n.current
	if run != nil {
		run.cancel()
		n.current = nil
	}
	return run
}
