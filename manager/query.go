package manager

import "github.com/ndntorrent/ntorrent/catalog"

// HasAllTorrentSegments reports whether the torrent-segment chain is
// complete: terminal segment present, no gaps.
func (m *Manager) HasAllTorrentSegments() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasAllTorrentSegmentsLocked()
}

func (m *Manager) hasAllTorrentSegmentsLocked() bool {
	idx := uint64(0)
	for {
		seg, ok := m.torrentSegments[idx]
		if !ok {
			return false
		}
		if seg.Next == nil {
			return true
		}
		idx++
	}
}

// HasDataPacket reports whether name's bit is set in its owning file's
// bitmap.
func (m *Manager) HasDataPacket(name catalog.Name) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasDataPacketLocked(name)
}

func (m *Manager) hasDataPacketLocked(name catalog.Name) bool {
	loc, ok := m.packetIndex[name.String()]
	if !ok {
		return false
	}
	fs, ok := m.files.Get(loc.chainInitialName)
	if !ok {
		return false
	}
	return fs.HasPacket(loc.index)
}

// FindTorrentFileSegmentToDownload returns the lowest-indexed missing
// torrent segment's name, or nil if the chain is complete. When
// nothing is known, it returns the root name.
func (m *Manager) FindTorrentFileSegmentToDownload() *catalog.Name {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findTorrentSegmentLocked()
}

func (m *Manager) findTorrentSegmentLocked() *catalog.Name {
	idx := uint64(0)
	for {
		seg, ok := m.torrentSegments[idx]
		if !ok {
			name := m.rootName.ChainPrefix().WithSegmentIndex(idx)
			return &name
		}
		if seg.Next == nil {
			return nil
		}
		idx++
	}
}

// FindManifestSegmentToDownload returns the lowest-indexed missing
// segment of manifestName's chain, or nil if known-complete.
func (m *Manager) FindManifestSegmentToDownload(manifestName catalog.Name) *catalog.Name {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findManifestSegmentLocked(manifestName)
}

func (m *Manager) findManifestSegmentLocked(manifestName catalog.Name) *catalog.Name {
	chainPrefix := manifestName.ChainPrefix()
	chain, ok := m.manifestChains[chainPrefix.String()]
	if !ok {
		name := chainPrefix.WithSegmentIndex(0)
		return &name
	}
	idx, missing := chain.lowestMissing()
	if !missing {
		return nil
	}
	name := chainPrefix.WithSegmentIndex(idx)
	return &name
}

// FindFileManifestsToDownload appends the next-missing segment name
// for every known, incomplete manifest chain.
func (m *Manager) FindFileManifestsToDownload(out []catalog.Name) []catalog.Name {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chain := range m.manifestChains {
		if chain.complete {
			continue
		}
		if name := m.findManifestSegmentLocked(chain.initialName); name != nil {
			out = append(out, *name)
		}
	}
	return out
}

// FindDataPacketsToDownload appends every missing packet name of the
// entire file owned by manifestName's chain, ascending by index. If
// the chain's metadata is not yet complete, nothing is appended:
// packet names beyond already-decoded segments are not yet known.
func (m *Manager) FindDataPacketsToDownload(manifestName catalog.Name, out []catalog.Name) []catalog.Name {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.manifestChains[manifestName.ChainPrefix().String()]
	if !ok || !chain.complete {
		return out
	}
	fs, ok := m.files.Get(chain.initialName)
	if !ok {
		return out
	}
	for _, idx := range fs.MissingIndices() {
		out = append(out, chain.packetNames[idx])
	}
	return out
}

// FindAllMissingDataPackets appends every missing packet name across
// every known, complete manifest chain.
func (m *Manager) FindAllMissingDataPackets(out []catalog.Name) []catalog.Name {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chain := range m.manifestChains {
		if !chain.complete {
			continue
		}
		fs, ok := m.files.Get(chain.initialName)
		if !ok {
			continue
		}
		for _, idx := range fs.MissingIndices() {
			out = append(out, chain.packetNames[idx])
		}
	}
	return out
}
