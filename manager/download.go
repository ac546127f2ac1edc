package manager

import "github.com/ndntorrent/ntorrent/catalog"

// DownloadTorrentFile enqueues requests for the root torrent segment
// and, as each segment arrives, its successor. Non-blocking. onSuccess
// receives the list of first-segment manifest names the complete
// torrent references; onFailed(segmentName, err) fires on the first
// segment that exhausts retries, aborting the operation for this
// caller while already-acquired segments are retained.
func (m *Manager) DownloadTorrentFile(path string, onSuccess func([]catalog.Name), onFailed func(catalog.Name, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if m.hasAllTorrentSegmentsLocked() {
		names := m.allManifestEntryNamesLocked()
		go onSuccess(names)
		return
	}

	m.torrentOps = append(m.torrentOps, &torrentDownloadOp{
		pathOverride: path,
		onSuccess:    onSuccess,
		onFailed:     onFailed,
	})
	if name := m.findTorrentSegmentLocked(); name != nil {
		m.enqueueIfNeededLocked(*name, kindTorrentSegment, path)
	}
}

// DownloadFileManifest downloads one file-manifest chain. onSuccess
// delivers the complete, ordered list of data-packet names once every
// segment of the chain is known.
func (m *Manager) DownloadFileManifest(manifestName catalog.Name, path string, onSuccess func([]catalog.Name), onFailed func(catalog.Name, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	chainKey := manifestName.ChainPrefix().String()
	if chain, ok := m.manifestChains[chainKey]; ok && chain.complete {
		names := append([]catalog.Name(nil), chain.packetNames...)
		go onSuccess(names)
		return
	}

	m.manifestOps[chainKey] = append(m.manifestOps[chainKey], &manifestDownloadOp{
		pathOverride: path,
		onSuccess:    onSuccess,
		onFailed:     onFailed,
	})
	if name := m.findManifestSegmentLocked(manifestName); name != nil {
		m.enqueueIfNeededLocked(*name, kindManifestSegment, path)
	}
}

// DownloadDataPacket enqueues one request. onSuccess(packetName) fires
// on validated arrival and write; onFailed(packetName, err) on
// terminal failure.
func (m *Manager) DownloadDataPacket(packetName catalog.Name, onSuccess func(catalog.Name), onFailed func(catalog.Name, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if m.hasDataPacketLocked(packetName) {
		go onSuccess(packetName.Clone())
		return
	}

	key := packetName.String()
	m.packetOps[key] = append(m.packetOps[key], &packetDownloadOp{
		onSuccess: onSuccess,
		onFailed:  onFailed,
	})
	m.enqueueIfNeededLocked(packetName, kindDataPacket, "")
}

// Seed hands a previously validated packet to the face for
// publication. Idempotent: republishing the same packet is just
// another Put.
func (m *Manager) Seed(pkt *catalog.DataPacket) error {
	return m.face.Put(pkt)
}
