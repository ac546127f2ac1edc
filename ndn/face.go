// Package ndn defines the Face and KeyChain contracts the manager
// package consumes, plus MemFace, an in-memory reference Face used by
// tests.
package ndn

import (
	"time"

	"github.com/ndntorrent/ntorrent/catalog"
)

// DefaultInterestLifetime is used when an Interest does not specify one.
const DefaultInterestLifetime = 4 * time.Second

// Interest is an outbound request for one name.
type Interest struct {
	Name            catalog.Name
	ForwardingHint  []catalog.Name
	Lifetime        time.Duration
}

// Result is delivered on the channel returned by Face.SendInterest.
type Result struct {
	Data     *catalog.DataPacket
	TimedOut bool
	Err      error
}

// InterestHandler answers an inbound Interest matching a registered
// prefix. reply, if non-nil, is put on the face under every registered
// prefix that matches its name.
type InterestHandler func(prefix catalog.Name, interest *Interest) (reply *catalog.DataPacket, ok bool)

// RegisterFailureHandler is invoked when a prefix registration fails.
type RegisterFailureHandler func(prefix catalog.Name, reason string)

// Face is the transport the manager sends Interests over and answers
// Interests through. It is a shared, non-owning collaborator: the face
// may be driven by an outer event loop sharing the same ProcessEvents
// call.
type Face interface {
	// SendInterest emits an Interest and returns a channel that will
	// receive exactly one Result: a Data, a timeout, or a
	// transport-level error. The Data is not validated by the Face.
	SendInterest(interest *Interest) (<-chan Result, error)

	// RegisterPrefix registers interest in the given prefix; onInterest
	// is invoked for every inbound Interest under it.
	RegisterPrefix(prefix catalog.Name, onInterest InterestHandler, onFailure RegisterFailureHandler) error

	// UnregisterPrefix removes a previously registered prefix.
	UnregisterPrefix(prefix catalog.Name)

	// Put publishes data, answering any outstanding matching Interest.
	Put(data *catalog.DataPacket) error

	// ProcessEvents advances the transport, blocking up to timeout for
	// readiness; timeout == 0 blocks until Shutdown.
	ProcessEvents(timeout time.Duration)

	// Shutdown releases all transport resources.
	Shutdown()
}

// KeyChain verifies and signs packets.
type KeyChain interface {
	// Verify reports whether data's signature chains to a trusted key.
	Verify(data *catalog.DataPacket) bool

	// Sign attaches a signature to data. Unused by manager for inbound
	// validation; present for symmetry with the collaborator interface
	// consumed for outgoing-generated packets.
	Sign(data *catalog.DataPacket) error
}
