package manager

import "github.com/ndntorrent/ntorrent/catalog"

// entityKind classifies a pending request by what the manager itself
// asked for — the manager is a closed world (every outstanding name
// originated from one of its own enqueue calls), so classification is
// a property recorded at send time, not inferred from name shape.
type entityKind int

const (
	kindTorrentSegment entityKind = iota
	kindManifestSegment
	kindDataPacket
)

// pendingEntry tracks one outstanding request through the retry
// ladder.
type pendingEntry struct {
	logicalName catalog.Name
	kind        entityKind

	// pathOverride, if non-empty, replaces Config.DataDir for writes
	// triggered by this request, per DownloadFileManifest/
	// DownloadTorrentFile's path parameter.
	pathOverride string

	retries         int // attempts under the current prefix
	triedPrefixes   int // distinct prefixes tried so far, this object
	currentFullName catalog.Name // prefix + logicalName of the last Interest sent
	lastReason      FailureReason
}

// manifestChain accumulates the segments of one file-manifest chain as
// they arrive. Manager.manifestChains keys it by the chain prefix (the
// initial-segment name without its segment component).
type manifestChain struct {
	initialName     catalog.Name
	filePath        string
	dataPacketSize  uint64
	subManifestSize uint64
	segments        map[uint64]*catalog.FileManifestSegment
	complete        bool
	packetNames     []catalog.Name // valid only once complete
}

func newManifestChain(initialName catalog.Name) *manifestChain {
	return &manifestChain{
		initialName: initialName.Clone(),
		segments:    make(map[uint64]*catalog.FileManifestSegment),
	}
}

// lowestMissing returns the lowest-indexed missing segment index, or (0, false)
// if the chain is already known complete (terminal segment present,
// no gaps from 0).
func (c *manifestChain) lowestMissing() (uint64, bool) {
	idx := uint64(0)
	for {
		seg, ok := c.segments[idx]
		if !ok {
			return idx, true
		}
		if seg.Next == nil {
			return 0, false
		}
		idx++
	}
}

// tryComplete assembles packetNames in index order if every segment up
// to the terminal one is now present.
func (c *manifestChain) tryComplete() bool {
	if c.complete {
		return true
	}
	var names []catalog.Name
	idx := uint64(0)
	for {
		seg, ok := c.segments[idx]
		if !ok {
			return false
		}
		names = append(names, seg.PacketNames...)
		if seg.Next == nil {
			c.packetNames = names
			c.dataPacketSize = seg.DataPacketSize
			c.subManifestSize = seg.SubManifestSize
			c.filePath = seg.FilePath
			c.complete = true
			return true
		}
		idx++
	}
}

// packetLoc locates a data packet within its owning file, for
// hasDataPacket's O(1) lookup.
type packetLoc struct {
	chainInitialName catalog.Name
	index            uint64
}

// torrentDownloadOp is one caller's DownloadTorrentFile invocation.
type torrentDownloadOp struct {
	pathOverride string
	onSuccess    func([]catalog.Name)
	onFailed     func(catalog.Name, error)
}

// manifestDownloadOp is one caller's DownloadFileManifest invocation.
type manifestDownloadOp struct {
	pathOverride string
	onSuccess    func([]catalog.Name)
	onFailed     func(catalog.Name, error)
}

// packetDownloadOp is one caller's DownloadDataPacket invocation.
type packetDownloadOp struct {
	onSuccess func(catalog.Name)
	onFailed  func(catalog.Name, error)
}
