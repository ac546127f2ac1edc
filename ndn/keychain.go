package ndn

import "github.com/ndntorrent/ntorrent/catalog"

// TrustAllKeyChain is a reference KeyChain that accepts every signature.
// Production deployments supply a real key chain; verification policy
// is out of scope for this module.
type TrustAllKeyChain struct{}

// Verify implements KeyChain.
func (TrustAllKeyChain) Verify(*catalog.DataPacket) bool { return true }

// Sign implements KeyChain.
func (TrustAllKeyChain) Sign(*catalog.DataPacket) error { return nil }
