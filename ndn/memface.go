package ndn

import (
	"fmt"
	"sync"
	"time"

	"github.com/ndntorrent/ntorrent/catalog"
)

// Responder decides how a simulated remote node answers one Interest.
type Responder interface {
	Respond(interest *Interest) Result
}

// ResponderFunc adapts a function to a Responder.
type ResponderFunc func(interest *Interest) Result

// Respond implements Responder.
func (f ResponderFunc) Respond(interest *Interest) Result { return f(interest) }

// FixedData always answers with the same packet.
func FixedData(pkt *catalog.DataPacket) Responder {
	return ResponderFunc(func(*Interest) Result {
		return Result{Data: pkt}
	})
}

// AlwaysTimeout always times out.
func AlwaysTimeout() Responder {
	return ResponderFunc(func(*Interest) Result {
		return Result{TimedOut: true}
	})
}

// ByName dispatches to per-name responders, timing out on a miss.
type ByName struct {
	mu   sync.RWMutex
	data map[string]Result
}

// NewByName returns an empty ByName responder.
func NewByName() *ByName {
	return &ByName{data: make(map[string]Result)}
}

// Set registers the Result to return for name.
func (b *ByName) Set(name catalog.Name, r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[name.String()] = r
}

// Respond implements Responder.
func (b *ByName) Respond(interest *Interest) Result {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.data[interest.Name.String()]; ok {
		return r
	}
	return Result{TimedOut: true}
}

type registeredPrefix struct {
	prefix     catalog.Name
	onInterest InterestHandler
}

type registeredResponder struct {
	prefix    catalog.Name
	responder Responder
}

type pendingRequest struct {
	interest *Interest
	result   chan Result
}

// MemFace is an in-memory reference Face. Outbound Interests are routed,
// by longest matching registered-responder prefix, to a Responder
// simulating the rest of the network; inbound Interests are delivered
// synchronously via InjectInterest to whichever registered handler's
// prefix matches.
type MemFace struct {
	mu         sync.Mutex
	handlers   []registeredPrefix
	responders []registeredResponder
	served     map[string]*catalog.DataPacket

	requests chan pendingRequest
	exit     chan struct{}
	exitOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemFace returns a MemFace with workerNum background workers
// resolving outbound Interests.
func NewMemFace(workerNum int) *MemFace {
	if workerNum <= 0 {
		workerNum = 8
	}
	f := &MemFace{
		served:   make(map[string]*catalog.DataPacket),
		requests: make(chan pendingRequest, 256),
		exit:     make(chan struct{}),
	}
	for i := 0; i < workerNum; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

func (f *MemFace) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.exit:
			return
		case req := <-f.requests:
			req.result <- f.resolve(req.interest)
		}
	}
}

func (f *MemFace) resolve(interest *Interest) Result {
	f.mu.Lock()
	responder := f.bestResponder(interest.Name)
	f.mu.Unlock()

	if responder == nil {
		return Result{TimedOut: true}
	}
	return responder.Respond(interest)
}

// bestResponder returns the registered responder whose prefix is the
// longest match for name, or nil.
func (f *MemFace) bestResponder(name catalog.Name) Responder {
	var best Responder
	bestLen := -1
	for _, r := range f.responders {
		if name.HasPrefix(r.prefix) && len(r.prefix) > bestLen {
			best = r.responder
			bestLen = len(r.prefix)
		}
	}
	return best
}

// SetResponder registers (or replaces) the simulated-network responder
// for prefix.
func (f *MemFace) SetResponder(prefix catalog.Name, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.responders {
		if existing.prefix.Equal(prefix) {
			f.responders[i].responder = r
			return
		}
	}
	f.responders = append(f.responders, registeredResponder{prefix: prefix, responder: r})
}

// SendInterest implements Face.
func (f *MemFace) SendInterest(interest *Interest) (<-chan Result, error) {
	ch := make(chan Result, 1)
	select {
	case <-f.exit:
		return nil, fmt.Errorf("ndn: face is shut down")
	default:
	}
	select {
	case f.requests <- pendingRequest{interest: interest, result: ch}:
	case <-f.exit:
		return nil, fmt.Errorf("ndn: face is shut down")
	}
	return ch, nil
}

// RegisterPrefix implements Face.
func (f *MemFace) RegisterPrefix(prefix catalog.Name, onInterest InterestHandler, onFailure RegisterFailureHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, registeredPrefix{prefix: prefix, onInterest: onInterest})
	return nil
}

// UnregisterPrefix implements Face.
func (f *MemFace) UnregisterPrefix(prefix catalog.Name) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.handlers[:0]
	for _, h := range f.handlers {
		if !h.prefix.Equal(prefix) {
			out = append(out, h)
		}
	}
	f.handlers = out
}

// Put implements Face.
func (f *MemFace) Put(data *catalog.DataPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.served[data.Name.String()] = data
	return nil
}

// Served returns a previously Put packet by name, for test assertions.
func (f *MemFace) Served(name catalog.Name) (*catalog.DataPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.served[name.String()]
	return d, ok
}

// InjectInterest simulates an inbound Interest arriving for name,
// dispatching to whichever registered handler's prefix matches. It
// returns false if no handler matches or the handler declines.
func (f *MemFace) InjectInterest(interest *Interest) (*catalog.DataPacket, bool) {
	f.mu.Lock()
	var matched *registeredPrefix
	for i := range f.handlers {
		h := &f.handlers[i]
		if interest.Name.HasPrefix(h.prefix) {
			matched = h
			break
		}
	}
	f.mu.Unlock()

	if matched == nil {
		return nil, false
	}
	return matched.onInterest(matched.prefix, interest)
}

// ProcessEvents implements Face. MemFace resolves requests on
// background workers, so this only blocks for the given timeout (or
// until Shutdown, if timeout is zero).
func (f *MemFace) ProcessEvents(timeout time.Duration) {
	if timeout == 0 {
		<-f.exit
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.exit:
	case <-t.C:
	}
}

// Shutdown implements Face.
func (f *MemFace) Shutdown() {
	f.exitOnce.Do(func() {
		close(f.exit)
	})
	f.wg.Wait()
}
