package manager

import (
	"fmt"

	"github.com/ndntorrent/ntorrent/catalog"
	"github.com/ndntorrent/ntorrent/filestate"
	"github.com/ndntorrent/ntorrent/interestqueue"
	"github.com/ndntorrent/ntorrent/ndn"
)

// prefix returns the routable prefix the last Interest for e was sent
// under, recovered from currentFullName (= prefix + logicalName)
// rather than stored redundantly.
func (e *pendingEntry) prefix() catalog.Name {
	n := len(e.currentFullName) - len(e.logicalName)
	if n < 0 {
		n = 0
	}
	return e.currentFullName.Prefix(n)
}

func priorityForKind(kind entityKind) interestqueue.Priority {
	if kind == kindDataPacket {
		return interestqueue.PriorityData
	}
	return interestqueue.PriorityCatalog
}

// enqueueIfNeededLocked enqueues name unless a download is already in
// flight or queued for it — the manager's own uniqueness guarantee
// against the pending set, extended to cover items already queued but
// not yet sent.
func (m *Manager) enqueueIfNeededLocked(name catalog.Name, kind entityKind, pathOverride string) {
	key := name.String()
	if m.known[key] {
		return
	}
	m.known[key] = true
	m.queueMeta[key] = &queuedItem{kind: kind, pathOverride: pathOverride}
	m.queue.Enqueue(interestqueue.Descriptor{Name: name.Clone(), Priority: priorityForKind(kind)})
}

type queuedItem struct {
	kind         entityKind
	pathOverride string
}

// requeueLocked re-enqueues an already-pending entry for resend, per
// the retry ladder. Unlike enqueueIfNeededLocked this does not
// touch the known/pending sets — the entry never left them.
func (m *Manager) requeueLocked(entry *pendingEntry) {
	key := entry.logicalName.String()
	m.queueMeta[key] = &queuedItem{kind: entry.kind, pathOverride: entry.pathOverride}
	m.queue.Enqueue(interestqueue.Descriptor{Name: entry.logicalName.Clone(), Priority: priorityForKind(entry.kind)})
}

// pumpLocked implements the outbound pump: while the pending window
// has slack and the queue is non-empty, it dequeues and emits
// requests.
func (m *Manager) pumpLocked(cbs []func()) []func() {
	if m.closed {
		return cbs
	}
	for len(m.pending) < m.cfg.WindowSize {
		slack := m.cfg.WindowSize - len(m.pending)
		batch := m.queue.DequeueBatch(slack)
		if len(batch) == 0 {
			break
		}
		for _, d := range batch {
			cbs = m.emitLocked(d, cbs)
		}
	}
	return cbs
}

func (m *Manager) emitLocked(d interestqueue.Descriptor, cbs []func()) []func() {
	key := d.Name.String()
	meta, ok := m.queueMeta[key]
	if !ok {
		meta = &queuedItem{kind: kindDataPacket}
	}
	delete(m.queueMeta, key)

	entry, exists := m.pending[key]
	if !exists {
		entry = &pendingEntry{logicalName: d.Name.Clone(), kind: meta.kind, pathOverride: meta.pathOverride}
		m.pending[key] = entry
	}

	prefix, ok := m.stats.Current()
	if !ok {
		delete(m.pending, key)
		delete(m.known, key)
		return m.terminalFailLocked(entry, ReasonTimeout, fmt.Errorf("manager: no routable prefixes registered"), cbs)
	}

	full := prefix.Append(d.Name...)
	entry.currentFullName = full

	ch, err := m.face.SendInterest(&ndn.Interest{
		Name:           full,
		ForwardingHint: m.stats.Alternatives(),
		Lifetime:       ndn.DefaultInterestLifetime,
	})
	if err != nil {
		delete(m.pending, key)
		delete(m.known, key)
		return m.terminalFailLocked(entry, ReasonIoError, err, cbs)
	}

	m.sendCount++
	if m.sendCount%m.cfg.SortingInterval == 0 {
		m.stats.Sort()
	}

	go func(key string, full catalog.Name, ch <-chan ndn.Result) {
		r := <-ch
		m.results <- resultEvent{logicalKey: key, fullName: full, result: r}
	}(key, full, ch)

	return cbs
}

// handleResult is the event-loop entry point for one resolved request.
func (m *Manager) handleResult(ev resultEvent) {
	m.mu.Lock()
	cbs := m.handleResultLocked(ev, nil)
	cbs = m.pumpLocked(cbs)
	m.mu.Unlock()
	runCallbacks(cbs)
}

func runCallbacks(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}

func (m *Manager) handleResultLocked(ev resultEvent, cbs []func()) []func() {
	entry, ok := m.pending[ev.logicalKey]
	if !ok {
		return cbs // not in pending: late arrival
	}
	if !entry.currentFullName.Equal(ev.fullName) {
		return cbs // superseded by a later retry under a different prefix
	}

	if ev.result.Err != nil {
		return m.retryOrFailLocked(entry, ReasonIoError, ev.result.Err, cbs)
	}
	if ev.result.TimedOut {
		return m.retryOrFailLocked(entry, ReasonTimeout, nil, cbs)
	}

	reason, err, ok := m.validateEnvelopeLocked(entry, ev.result.Data)
	if !ok {
		return m.retryOrFailLocked(entry, reason, err, cbs)
	}

	switch entry.kind {
	case kindTorrentSegment:
		seg, err := m.codec.DecodeTorrentSegment(ev.result.Data.Wire)
		if err != nil || !seg.Name.Equal(entry.logicalName) {
			return m.retryOrFailLocked(entry, ReasonDecodeError, decodeErr(err, seg, entry.logicalName), cbs)
		}
		return m.acceptTorrentSegmentLocked(entry, seg, cbs)

	case kindManifestSegment:
		seg, err := m.codec.DecodeManifestSegment(ev.result.Data.Wire)
		if err != nil || !seg.Name.Equal(entry.logicalName) {
			return m.retryOrFailLocked(entry, ReasonDecodeError, decodeErrManifest(err, seg, entry.logicalName), cbs)
		}
		initialName := seg.Name.ChainPrefix().WithSegmentIndex(0)
		if !m.manifestEntries[initialName.String()] {
			return m.retryOrFailLocked(entry, ReasonNotInCatalog, fmt.Errorf("manager: %s not referenced by any known torrent segment", initialName), cbs)
		}
		return m.acceptManifestSegmentLocked(entry, seg, cbs)

	default: // kindDataPacket
		loc, ok := m.packetIndex[entry.logicalName.String()]
		if !ok {
			return m.retryOrFailLocked(entry, ReasonNotInCatalog, fmt.Errorf("manager: %s not referenced by any known manifest segment", entry.logicalName), cbs)
		}
		decoded, err := m.codec.DecodeData(ev.result.Data.Wire)
		if err != nil || !decoded.Name.Equal(entry.logicalName) {
			return m.retryOrFailLocked(entry, ReasonDecodeError, decodeErrData(err, decoded, entry.logicalName), cbs)
		}
		return m.acceptDataPacketLocked(entry, loc, decoded, cbs)
	}
}

func decodeErr(err error, seg *catalog.TorrentFileSegment, want catalog.Name) error {
	if err != nil {
		return fmt.Errorf("manager: decode torrent segment: %w", err)
	}
	return fmt.Errorf("manager: torrent segment name mismatch: got %s want %s", seg.Name, want)
}

func decodeErrManifest(err error, seg *catalog.FileManifestSegment, want catalog.Name) error {
	if err != nil {
		return fmt.Errorf("manager: decode manifest segment: %w", err)
	}
	return fmt.Errorf("manager: manifest segment name mismatch: got %s want %s", seg.Name, want)
}

func decodeErrData(err error, pkt *catalog.DataPacket, want catalog.Name) error {
	if err != nil {
		return fmt.Errorf("manager: decode data packet: %w", err)
	}
	return fmt.Errorf("manager: data packet name mismatch: got %s want %s", pkt.Name, want)
}

// validateEnvelopeLocked performs the structural and cryptographic
// checks common to every incoming packet, before kind-specific
// decoding.
func (m *Manager) validateEnvelopeLocked(entry *pendingEntry, data *catalog.DataPacket) (FailureReason, error, bool) {
	if data == nil {
		return ReasonDecodeError, fmt.Errorf("manager: nil data for %s", entry.logicalName), false
	}
	if !data.Name.Equal(entry.logicalName) {
		return ReasonDecodeError, fmt.Errorf("manager: reply name %s does not match request %s", data.Name, entry.logicalName), false
	}
	if digest, ok := data.Name.ImplicitDigest(); ok && !digestEqual(digest, data.Wire) {
		return ReasonDigestMismatch, fmt.Errorf("manager: implicit digest mismatch for %s", entry.logicalName), false
	}
	if !m.keyChain.Verify(data) {
		return ReasonSignatureInvalid, fmt.Errorf("manager: signature invalid for %s", entry.logicalName), false
	}
	return 0, nil, true
}

func digestEqual(want []byte, wire []byte) bool {
	got := catalog.DigestComponent(wire)
	return got.Equal(catalog.Component{Type: got.Type, Value: want})
}

// retryOrFailLocked is the retry ladder: make up to MaxRetries attempts
// on the current prefix, then rotate to the next prefix, terminally
// failing once every prefix has been tried.
func (m *Manager) retryOrFailLocked(entry *pendingEntry, reason FailureReason, err error, cbs []func()) []func() {
	m.stats.RecordFailure(entry.prefix())
	entry.lastReason = reason

	if !reason.retryable() {
		return m.terminalFailLocked(entry, reason, err, cbs)
	}

	entry.retries++
	if entry.retries < m.cfg.MaxRetries {
		m.requeueLocked(entry)
		return cbs
	}

	entry.retries = 0
	entry.triedPrefixes++
	m.stats.Advance()
	if m.stats.Exhausted(entry.triedPrefixes) {
		return m.terminalFailLocked(entry, reason, err, cbs)
	}
	m.requeueLocked(entry)
	return cbs
}

// terminalFailLocked removes entry from pending and fires every
// waiting operation's onFailed with the last failure reason.
func (m *Manager) terminalFailLocked(entry *pendingEntry, reason FailureReason, err error, cbs []func()) []func() {
	key := entry.logicalName.String()
	delete(m.pending, key)
	delete(m.known, key)
	name := entry.logicalName.Clone()
	if err != nil {
		m.cfg.ErrorLog("manager: %s terminally failed (%s): %v", name, reason, err)
	}
	downloadErr := newDownloadError(name, reason, err)
	m.publishFailed(name, downloadErr)

	switch entry.kind {
	case kindTorrentSegment:
		ops := m.torrentOps
		m.torrentOps = nil
		for _, op := range ops {
			op := op
			cbs = append(cbs, func() { op.onFailed(name, downloadErr) })
		}
	case kindManifestSegment:
		chainKey := name.ChainPrefix().String()
		ops := m.manifestOps[chainKey]
		delete(m.manifestOps, chainKey)
		for _, op := range ops {
			op := op
			cbs = append(cbs, func() { op.onFailed(name, downloadErr) })
		}
	default: // kindDataPacket
		ops := m.packetOps[key]
		delete(m.packetOps, key)
		for _, op := range ops {
			op := op
			cbs = append(cbs, func() { op.onFailed(name, downloadErr) })
		}
	}
	return cbs
}

// classifyWriteErr distinguishes DiskFull from a generic IoError on a
// failed write.
func classifyWriteErr(err error) FailureReason {
	if filestate.IsDiskFull(err) {
		return ReasonDiskFull
	}
	return ReasonIoError
}
