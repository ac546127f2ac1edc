package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ndntorrent/ntorrent/catalog"
	"github.com/ndntorrent/ntorrent/eventstream"
	"github.com/ndntorrent/ntorrent/ndn"
)

// installTorrentSegmentLocked records seg in the in-memory chain and
// returns every catalog entry (file-manifest initial-segment name) not
// previously known, so the caller can enqueue requests for them.
// Idempotent: re-installing the same segment returns no new entries.
func (m *Manager) installTorrentSegmentLocked(seg *catalog.TorrentFileSegment) []catalog.Name {
	m.torrentSegments[seg.Index()] = seg
	var fresh []catalog.Name
	for _, entry := range seg.CatalogEntries {
		key := entry.String()
		if m.manifestEntries[key] {
			continue
		}
		m.manifestEntries[key] = true
		if _, ok := m.manifestChains[entry.ChainPrefix().String()]; !ok {
			m.manifestChains[entry.ChainPrefix().String()] = newManifestChain(entry)
		}
		fresh = append(fresh, entry)
	}
	return fresh
}

// installManifestSegmentLocked records seg in its chain and, if this
// completes the chain, assembles packetNames and registers every
// packet's location for hasDataPacket lookups. Returns (chain,
// justCompleted).
func (m *Manager) installManifestSegmentLocked(seg *catalog.FileManifestSegment) (*manifestChain, bool) {
	chainKey := seg.Name.ChainPrefix().String()
	chain, ok := m.manifestChains[chainKey]
	if !ok {
		chain = newManifestChain(seg.Name.ChainPrefix().WithSegmentIndex(0))
		m.manifestChains[chainKey] = chain
	}
	chain.segments[seg.Index()] = seg
	wasComplete := chain.complete
	nowComplete := chain.tryComplete()
	if nowComplete && !wasComplete {
		for i, name := range chain.packetNames {
			m.packetIndex[name.String()] = packetLoc{chainInitialName: chain.initialName, index: uint64(i)}
		}
		return chain, true
	}
	return chain, false
}

func (m *Manager) writeTorrentSegment(seg *catalog.TorrentFileSegment, pathOverride string) error {
	wire, err := m.codec.EncodeTorrentSegment(seg)
	if err != nil {
		return fmt.Errorf("manager: encode torrent segment %s: %w", seg.Name, err)
	}
	dir := m.resolveDataDir(pathOverride)
	dst := filepath.Join(dir, torrentDirName, strconv.FormatUint(seg.Index(), 10))
	return writeFileAtomic(dst, wire)
}

func (m *Manager) writeFileManifest(seg *catalog.FileManifestSegment, pathOverride string) error {
	wire, err := m.codec.EncodeManifestSegment(seg)
	if err != nil {
		return fmt.Errorf("manager: encode manifest segment %s: %w", seg.Name, err)
	}
	dir := m.resolveDataDir(pathOverride)
	dst := filepath.Join(dir, manifestsDirName, seg.FilePath, strconv.FormatUint(seg.Index(), 10))
	return writeFileAtomic(dst, wire)
}

// writeDataPacket is the single place that seeks a FileState's file
// handle and writes a packet's payload at its offset.
func (m *Manager) writeDataPacket(loc packetLoc, index uint64, payload []byte) error {
	fs, ok := m.files.Get(loc.chainInitialName)
	if !ok {
		return fmt.Errorf("manager: write data packet: no file state for %s", loc.chainInitialName)
	}
	return fs.WritePacket(index, payload)
}

func (m *Manager) resolveDataDir(pathOverride string) string {
	if pathOverride != "" {
		return pathOverride
	}
	return m.cfg.DataDir
}

func writeFileAtomic(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("manager: create dir for %s: %w", dst, err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("manager: write %s: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("manager: finalize %s: %w", dst, err)
	}
	return nil
}

// onInterest answers an inbound Interest under one of our registered
// content prefixes. Every name we can serve — torrent segment,
// manifest segment, or data packet — is stored and compared as an
// absolute name, so interest.Name is checked as-is; prefix only tells
// us the Face considers this registration a candidate.
func (m *Manager) onInterest(prefix catalog.Name, interest *ndn.Interest) (*catalog.DataPacket, bool) {
	if !m.cfg.Seed {
		return nil, false
	}
	if !interest.Name.HasPrefix(prefix) {
		return nil, false
	}
	name := interest.Name

	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := name.SegmentIndex(); ok {
		if seg, ok := m.torrentSegments[idx]; ok && seg.Name.Equal(name) {
			wire, err := m.codec.EncodeTorrentSegment(seg)
			if err == nil {
				return &catalog.DataPacket{Name: name.Clone(), Wire: wire}, true
			}
		}
	}

	if chain, ok := m.manifestChains[name.ChainPrefix().String()]; ok {
		if idx, ok := name.SegmentIndex(); ok {
			if seg, ok := chain.segments[idx]; ok && seg.Name.Equal(name) {
				wire, err := m.codec.EncodeManifestSegment(seg)
				if err == nil {
					return &catalog.DataPacket{Name: name.Clone(), Wire: wire}, true
				}
			}
		}
	}

	if loc, ok := m.packetIndex[name.String()]; ok {
		fs, ok := m.files.Get(loc.chainInitialName)
		if ok && fs.HasPacket(loc.index) {
			payload, err := fs.ReadPacket(loc.index)
			if err == nil {
				pkt := &catalog.DataPacket{Name: name.Clone(), Payload: payload}
				wire, err := m.codec.EncodeData(pkt)
				if err == nil {
					pkt.Wire = wire
					return pkt, true
				}
			}
		}
	}

	return nil, false
}

// acceptTorrentSegmentLocked is the success path for a torrent
// segment: install, write to disk, enqueue the successor and any
// newly-discovered manifest entries, and resolve torrentOps if the
// chain is now complete.
func (m *Manager) acceptTorrentSegmentLocked(entry *pendingEntry, seg *catalog.TorrentFileSegment, cbs []func()) []func() {
	key := entry.logicalName.String()
	newEntries := m.installTorrentSegmentLocked(seg)

	if err := m.writeTorrentSegment(seg, entry.pathOverride); err != nil {
		return m.terminalFailLocked(entry, classifyWriteErr(err), err, cbs)
	}

	m.stats.RecordSuccess(entry.prefix())
	delete(m.pending, key)
	delete(m.known, key)
	m.publishAccepted(eventstream.KindTorrentSegment, seg.Name)

	if seg.Next != nil {
		succ := seg.Name.WithSegmentIndex(seg.Index() + 1)
		m.enqueueIfNeededLocked(succ, kindTorrentSegment, entry.pathOverride)
	}
	for _, e := range newEntries {
		m.enqueueIfNeededLocked(e, kindManifestSegment, "")
	}

	if m.hasAllTorrentSegmentsLocked() {
		names := m.allManifestEntryNamesLocked()
		ops := m.torrentOps
		m.torrentOps = nil
		for _, op := range ops {
			op := op
			cbs = append(cbs, func() { op.onSuccess(names) })
		}
	}
	return cbs
}

// allManifestEntryNamesLocked collects every catalog entry across the
// (assumed-complete) torrent chain, in segment order.
func (m *Manager) allManifestEntryNamesLocked() []catalog.Name {
	var out []catalog.Name
	idx := uint64(0)
	for {
		seg, ok := m.torrentSegments[idx]
		if !ok {
			break
		}
		out = append(out, seg.CatalogEntries...)
		if seg.Next == nil {
			break
		}
		idx++
	}
	return out
}

// acceptManifestSegmentLocked is the success path for a manifest
// segment: install, write to disk, and either enqueue the successor or
// — if this completes the chain — allocate the FileState and enqueue
// every data packet at data priority.
func (m *Manager) acceptManifestSegmentLocked(entry *pendingEntry, seg *catalog.FileManifestSegment, cbs []func()) []func() {
	key := entry.logicalName.String()
	chain, justCompleted := m.installManifestSegmentLocked(seg)

	if err := m.writeFileManifest(seg, entry.pathOverride); err != nil {
		return m.terminalFailLocked(entry, classifyWriteErr(err), err, cbs)
	}

	m.stats.RecordSuccess(entry.prefix())
	delete(m.pending, key)
	delete(m.known, key)
	m.publishAccepted(eventstream.KindManifestSegment, seg.Name)

	chainKey := seg.Name.ChainPrefix().String()

	if !justCompleted {
		if seg.Next != nil {
			succ := seg.Name.WithSegmentIndex(seg.Index() + 1)
			m.enqueueIfNeededLocked(succ, kindManifestSegment, entry.pathOverride)
		}
		return cbs
	}

	if err := m.allocateFileStateLocked(chainKey, chain); err != nil {
		m.cfg.ErrorLog("manager: allocate file state for %s: %v", chain.filePath, err)
		ops := m.manifestOps[chainKey]
		delete(m.manifestOps, chainKey)
		name := chain.initialName.Clone()
		downloadErr := newDownloadError(name, ReasonIoError, err)
		m.publishFailed(name, downloadErr)
		for _, op := range ops {
			op := op
			cbs = append(cbs, func() { op.onFailed(name, downloadErr) })
		}
		return cbs
	}

	for _, pn := range chain.packetNames {
		m.enqueueIfNeededLocked(pn, kindDataPacket, "")
	}

	ops := m.manifestOps[chainKey]
	delete(m.manifestOps, chainKey)
	names := append([]catalog.Name(nil), chain.packetNames...)
	for _, op := range ops {
		op := op
		cbs = append(cbs, func() { op.onSuccess(names) })
	}
	return cbs
}

// acceptDataPacketLocked is the success path for a data packet: write
// the payload, set the bitmap bit, resolve any waiting
// packetDownloadOp, and seed if enabled.
func (m *Manager) acceptDataPacketLocked(entry *pendingEntry, loc packetLoc, pkt *catalog.DataPacket, cbs []func()) []func() {
	key := entry.logicalName.String()

	if err := m.writeDataPacket(loc, loc.index, pkt.Payload); err != nil {
		return m.terminalFailLocked(entry, classifyWriteErr(err), err, cbs)
	}

	m.stats.RecordSuccess(entry.prefix())
	delete(m.pending, key)
	delete(m.known, key)
	m.publishAccepted(eventstream.KindDataPacket, entry.logicalName)

	name := entry.logicalName.Clone()
	ops := m.packetOps[key]
	delete(m.packetOps, key)
	for _, op := range ops {
		op := op
		cbs = append(cbs, func() { op.onSuccess(name) })
	}

	if m.cfg.Seed {
		pkt.Name = name
		if err := m.face.Put(pkt); err != nil {
			m.cfg.ErrorLog("manager: seed %s: %v", name, err)
		}
	}
	return cbs
}
