// Package manager implements the TorrentManager core: download
// orchestration across the three catalog levels, inbound validation
// and disk materialization, and inbound serving, driven by a single
// event loop that owns all mutable state.
package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ndntorrent/ntorrent/catalog"
	"github.com/ndntorrent/ntorrent/codec"
	"github.com/ndntorrent/ntorrent/filestate"
	"github.com/ndntorrent/ntorrent/interestqueue"
	"github.com/ndntorrent/ntorrent/ndn"
	"github.com/ndntorrent/ntorrent/stats"
)

const (
	torrentDirName   = "torrent"
	manifestsDirName = "manifests"
)

// resultEvent is what a SendInterest forwarding goroutine posts back to
// the event loop.
type resultEvent struct {
	logicalKey string
	fullName   catalog.Name
	result     ndn.Result
}

// Manager is the TorrentManager. All mutable state is guarded by mu;
// the manager is logically single-threaded even though outstanding
// requests resolve on goroutines — every resolution is funneled through
// the results channel and handled on the event-loop goroutine that
// calls ProcessEvents.
type Manager struct {
	cfg      Config
	face     ndn.Face
	keyChain ndn.KeyChain
	codec    codec.Codec
	rootName catalog.Name

	stats *stats.Table
	queue *interestqueue.Queue
	files *filestate.Table

	mu sync.Mutex

	torrentSegments map[uint64]*catalog.TorrentFileSegment
	manifestChains  map[string]*manifestChain
	manifestEntries map[string]bool
	packetIndex     map[string]packetLoc

	pending   map[string]*pendingEntry
	known     map[string]bool
	queueMeta map[string]*queuedItem

	sendCount int

	torrentOps  []*torrentDownloadOp
	manifestOps map[string][]*manifestDownloadOp
	packetOps   map[string][]*packetDownloadOp

	registered map[string]catalog.Name

	results      chan resultEvent
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	closed       bool
}

// New constructs a Manager. It performs no I/O; behavior is undefined
// if any method other than Initialize is called first.
func New(rootTorrentName catalog.Name, dataDir string, seed bool, face ndn.Face, keyChain ndn.KeyChain, wireCodec codec.Codec, opts ...Config) *Manager {
	var cfg Config
	if len(opts) > 0 {
		cfg = opts[0]
	}
	cfg.DataDir = dataDir
	cfg.Seed = seed
	cfg = cfg.withDefaults()

	statsTable := stats.New()
	for _, p := range cfg.InitialPrefixes {
		statsTable.Insert(p)
	}

	m := &Manager{
		cfg:             cfg,
		face:            face,
		keyChain:        keyChain,
		codec:           wireCodec,
		rootName:        rootTorrentName.Clone(),
		stats:           statsTable,
		queue:           interestqueue.New(),
		files:           filestate.New(),
		torrentSegments: make(map[uint64]*catalog.TorrentFileSegment),
		manifestChains:  make(map[string]*manifestChain),
		manifestEntries: make(map[string]bool),
		packetIndex:     make(map[string]packetLoc),
		pending:         make(map[string]*pendingEntry),
		known:           make(map[string]bool),
		queueMeta:       make(map[string]*queuedItem),
		manifestOps:     make(map[string][]*manifestDownloadOp),
		packetOps:       make(map[string][]*packetDownloadOp),
		registered:      make(map[string]catalog.Name),
		results:         make(chan resultEvent, 256),
		shutdownCh:      make(chan struct{}),
	}
	return m
}

// Initialize scans DataDir and reconstitutes every torrent segment,
// manifest segment, and data packet found, then registers serving
// prefixes. Idempotent: re-running reproduces identical state because
// every install step is itself idempotent (map overwrite with the same
// decoded value, FileState.Allocate returning the existing entry).
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.scanTorrentSegmentsLocked(); err != nil {
		return err
	}
	if err := m.scanManifestSegmentsLocked(); err != nil {
		return err
	}
	m.allocateCompleteChainsLocked()
	return m.registerServingPrefixesLocked()
}

func (m *Manager) scanTorrentSegmentsLocked() error {
	dir := filepath.Join(m.cfg.DataDir, torrentDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("manager: scan %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			m.cfg.ErrorLog("manager: skipping malformed torrent segment filename %q: %v", e.Name(), err)
			continue
		}
		wire, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			m.cfg.ErrorLog("manager: skipping unreadable torrent segment %d: %v", idx, err)
			continue
		}
		seg, err := m.codec.DecodeTorrentSegment(wire)
		if err != nil {
			m.cfg.ErrorLog("manager: skipping malformed torrent segment %d: %v", idx, err)
			continue
		}
		m.installTorrentSegmentLocked(seg)
	}
	return nil
}

func (m *Manager) scanManifestSegmentsLocked() error {
	root := filepath.Join(m.cfg.DataDir, manifestsDirName)
	_, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("manager: scan %s: %w", root, err)
	}
	var walk func(dir string) error
	walk = func(dir string) error {
		items, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("manager: scan %s: %w", dir, err)
		}
		for _, it := range items {
			full := filepath.Join(dir, it.Name())
			if it.IsDir() {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			if _, err := strconv.ParseUint(it.Name(), 10, 64); err != nil {
				continue // not a segment-index filename (e.g. stray file)
			}
			wire, err := os.ReadFile(full)
			if err != nil {
				m.cfg.ErrorLog("manager: skipping unreadable manifest segment %s: %v", full, err)
				continue
			}
			seg, err := m.codec.DecodeManifestSegment(wire)
			if err != nil {
				m.cfg.ErrorLog("manager: skipping malformed manifest segment %s: %v", full, err)
				continue
			}
			m.installManifestSegmentLocked(seg)
		}
		return nil
	}
	return walk(root)
}

// allocateCompleteChainsLocked opens a FileState for every manifest
// chain that is now complete, loading its persisted presence bitmap if
// one exists on disk. The on-disk layout keeps only the reconstructed
// payload, not per-packet wire bytes, so presence after restart is
// restored from the sidecar bitmap filestate persists on every write
// rather than re-derived cryptographically.
func (m *Manager) allocateCompleteChainsLocked() {
	for key, chain := range m.manifestChains {
		if !chain.complete {
			continue
		}
		if _, ok := m.files.Get(chain.initialName); ok {
			continue
		}
		if err := m.allocateFileStateLocked(key, chain); err != nil {
			m.cfg.ErrorLog("manager: allocate file state for %s: %v", chain.filePath, err)
		}
	}
}

func (m *Manager) allocateFileStateLocked(key string, chain *manifestChain) error {
	numPackets := uint64(len(chain.packetNames))
	fileLength := numPackets * chain.dataPacketSize
	absPath := filepath.Join(m.cfg.DataDir, chain.filePath)
	if _, err := m.files.Allocate(chain.initialName, absPath, fileLength, chain.dataPacketSize, numPackets); err != nil {
		return err
	}
	for i, name := range chain.packetNames {
		m.packetIndex[name.String()] = packetLoc{chainInitialName: chain.initialName, index: uint64(i)}
	}
	return nil
}

// registerServingPrefixesLocked registers, as content-addressable Face
// prefixes, the torrent root's chain and every manifest whose file is
// at least partially present. A failed registration is retried once
// before being treated as unrecoverable I/O.
func (m *Manager) registerServingPrefixesLocked() error {
	if err := m.registerPrefixWithRetryLocked(m.rootName.ChainPrefix()); err != nil {
		return err
	}
	for _, chain := range m.manifestChains {
		fs, ok := m.files.Get(chain.initialName)
		if !ok || len(fs.BitmapSnapshot()) == 0 {
			continue // not yet "at least partially present"
		}
		if err := m.registerPrefixWithRetryLocked(chain.initialName.ChainPrefix()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) registerPrefixWithRetryLocked(prefix catalog.Name) error {
	key := prefix.String()
	if _, ok := m.registered[key]; ok {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := m.face.RegisterPrefix(prefix, m.onInterest, m.onRegisterFailed)
		if err == nil {
			m.registered[key] = prefix.Clone()
			return nil
		}
		lastErr = err
		m.cfg.ErrorLog("manager: register prefix %s failed (attempt %d): %v", prefix, attempt+1, err)
	}
	return fmt.Errorf("manager: register prefix %s: %w", prefix, lastErr)
}

// onRegisterFailed is the Face callback for asynchronous registration
// failures reported after registerPrefixWithRetryLocked has already
// returned success (e.g. a later revocation by the forwarder).
func (m *Manager) onRegisterFailed(prefix catalog.Name, reason string) {
	m.mu.Lock()
	delete(m.registered, prefix.String())
	m.mu.Unlock()
	m.cfg.ErrorLog("manager: prefix %s deregistered by transport: %s", prefix, reason)
}

// ProcessEvents advances the manager's event loop: it drains and
// handles ready result events, pumping the outbound queue after each,
// until timeout elapses (0 blocks until Shutdown). The manager does not
// own a thread of its own — callers that also need to drive a real
// Face's I/O should call face.ProcessEvents themselves; this method
// only advances the manager's own logical state.
func (m *Manager) ProcessEvents(timeout time.Duration) {
	m.mu.Lock()
	cbs := m.pumpLocked(nil)
	m.mu.Unlock()
	runCallbacks(cbs)

	if timeout == 0 {
		for {
			select {
			case ev := <-m.results:
				m.handleResult(ev)
			case <-m.shutdownCh:
				return
			}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-m.results:
			m.handleResult(ev)
		case <-timer.C:
			return
		case <-m.shutdownCh:
			return
		}
	}
}

// Shutdown cancels every pending request (their callbacks are not
// invoked), empties the interest queue, closes every FileState file
// handle, and deregisters every prefix.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.pending = make(map[string]*pendingEntry)
		m.known = make(map[string]bool)
		m.queueMeta = make(map[string]*queuedItem)
		m.torrentOps = nil
		m.manifestOps = make(map[string][]*manifestDownloadOp)
		m.packetOps = make(map[string][]*packetDownloadOp)
		m.queue.Clear()
		for _, prefix := range m.registered {
			m.face.UnregisterPrefix(prefix)
		}
		m.registered = make(map[string]catalog.Name)
		m.mu.Unlock()

		if err := m.files.CloseAll(); err != nil {
			m.cfg.ErrorLog("manager: close file handles: %v", err)
		}
		close(m.shutdownCh)
	})
}
