// Package filestate implements the FileState map: one open file handle
// plus a presence bitmap per reconstructed file, keyed by the file
// manifest's initial-segment (chain) name. Each chain's file handle is
// allocated exactly once, on first completion, and kept open until
// Shutdown; presence is tracked with a github.com/RoaringBitmap/roaring
// bitmap, persisted alongside the file so a restart can restore it
// without re-validating every packet.
package filestate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/RoaringBitmap/roaring"

	"github.com/ndntorrent/ntorrent/catalog"
)

// IsDiskFull reports whether err is (or wraps) an out-of-space write
// failure, distinguishing manager.ReasonDiskFull from a generic
// manager.ReasonIoError.
func IsDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// FileState is one reconstructed file's on-disk handle and presence
// bitmap. Bitmap length (NumPackets) is immutable after allocation;
// the bitmap, and FileLength when a short final packet is written, are
// the only fields mutated after construction.
type FileState struct {
	ManifestName   catalog.Name
	FilePath       string
	FileLength     uint64
	DataPacketSize uint64
	NumPackets     uint64

	mu     sync.Mutex
	file   *os.File
	bitmap *roaring.Bitmap
}

// PacketLength returns the expected payload length of packet index
// (the final packet is shorter if FileLength is not a multiple of
// DataPacketSize).
func (fs *FileState) PacketLength(index uint64) uint64 {
	start := index * fs.DataPacketSize
	if start >= fs.FileLength {
		return 0
	}
	remaining := fs.FileLength - start
	if remaining > fs.DataPacketSize {
		return fs.DataPacketSize
	}
	return remaining
}

// HasPacket reports whether bit index is set.
func (fs *FileState) HasPacket(index uint64) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bitmap.Contains(uint32(index))
}

// WritePacket writes payload at packet index's byte range and sets the
// bitmap bit. If index is the file's final packet and payload is
// shorter than DataPacketSize, the file (and FileLength) is truncated
// to the payload's true end offset — FileLength starts as an upper
// bound (NumPackets*DataPacketSize) and is corrected down exactly once,
// when the short final packet actually arrives.
func (fs *FileState) WritePacket(index uint64, payload []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.bitmap.Contains(uint32(index)) {
		return nil // re-delivery of an already-validated packet is a no-op
	}
	offset := int64(index * fs.DataPacketSize)
	if _, err := fs.file.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("filestate: write packet %d: %w", index, err)
	}
	if index == fs.NumPackets-1 && uint64(len(payload)) < fs.DataPacketSize {
		newLen := offset + int64(len(payload))
		if uint64(newLen) != fs.FileLength {
			if err := fs.file.Truncate(newLen); err != nil {
				return fmt.Errorf("filestate: truncate final packet: %w", err)
			}
			fs.FileLength = uint64(newLen)
		}
	}
	fs.bitmap.Add(uint32(index))
	if err := fs.persistBitmapLocked(); err != nil {
		return fmt.Errorf("filestate: persist bitmap for packet %d: %w", index, err)
	}
	return nil
}

// sidecarPath is where the bitmap is persisted, so a later Allocate (by
// Initialize's disk scan) can restore presence without re-deriving
// digests from the reconstructed file alone — the on-disk layout keeps
// only the raw payload, not each packet's signed wire bytes.
func (fs *FileState) sidecarPath() string { return fs.FilePath + ".bitmap" }

func (fs *FileState) persistBitmapLocked() error {
	f, err := os.OpenFile(fs.sidecarPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fs.bitmap.WriteTo(f)
	return err
}

// ReadPacket re-reads packet index's payload from disk. Used by the
// inbound interest handler to serve data packets, with the bitmap as
// the authoritative presence check.
func (fs *FileState) ReadPacket(index uint64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.bitmap.Contains(uint32(index)) {
		return nil, fmt.Errorf("filestate: packet %d not present", index)
	}
	length := fs.PacketLength(index)
	buf := make([]byte, length)
	offset := int64(index * fs.DataPacketSize)
	if _, err := fs.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("filestate: read packet %d: %w", index, err)
	}
	return buf, nil
}

// MissingIndices returns every packet index not yet present, ascending.
func (fs *FileState) MissingIndices() []uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]uint64, 0, fs.NumPackets)
	for i := uint64(0); i < fs.NumPackets; i++ {
		if !fs.bitmap.Contains(uint32(i)) {
			out = append(out, i)
		}
	}
	return out
}

// Complete reports whether every packet is present.
func (fs *FileState) Complete() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return uint64(fs.bitmap.GetCardinality()) == fs.NumPackets
}

// BitmapSnapshot returns the set indices, for diagnostics and tests.
func (fs *FileState) BitmapSnapshot() []uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bitmap.ToArray()
}

func (fs *FileState) close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// Table is the manager's FileState map.
type Table struct {
	mu     sync.RWMutex
	states map[string]*FileState
}

// New returns an empty Table.
func New() *Table {
	return &Table{states: make(map[string]*FileState)}
}

// Get returns the FileState for manifestName's chain, if allocated.
func (t *Table) Get(manifestName catalog.Name) (*FileState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fs, ok := t.states[manifestName.String()]
	return fs, ok
}

// Allocate opens (creating if absent) the file at absPath, pre-sizes it
// to fileLength, and allocates a bitmap for numPackets packets, loaded
// from the file's bitmap sidecar if one exists and empty otherwise. If a
// FileState already exists for manifestName, it is returned unchanged:
// allocation happens exactly once per chain, triggered by Initialize's
// disk scan or by the inbound handler as soon as the chain's manifest
// completes.
func (t *Table) Allocate(manifestName catalog.Name, absPath string, fileLength, dataPacketSize, numPackets uint64) (*FileState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := manifestName.String()
	if fs, ok := t.states[key]; ok {
		return fs, nil
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("filestate: create parent dir for %s: %w", absPath, err)
	}

	f, err := os.OpenFile(absPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestate: open %s: %w", absPath, err)
	}
	if err := f.Truncate(int64(fileLength)); err != nil {
		f.Close()
		return nil, fmt.Errorf("filestate: truncate %s to %d: %w", absPath, fileLength, err)
	}

	fs := &FileState{
		ManifestName:   manifestName.Clone(),
		FilePath:       absPath,
		FileLength:     fileLength,
		DataPacketSize: dataPacketSize,
		NumPackets:     numPackets,
		file:           f,
		bitmap:         roaring.New(),
	}
	if sidecar, err := os.Open(fs.sidecarPath()); err == nil {
		_, readErr := fs.bitmap.ReadFrom(sidecar)
		sidecar.Close()
		if readErr != nil {
			fs.bitmap = roaring.New() // corrupt sidecar: treat as nothing present yet
		}
	} else if !os.IsNotExist(err) {
		f.Close()
		return nil, fmt.Errorf("filestate: read bitmap sidecar for %s: %w", absPath, err)
	}
	t.states[key] = fs
	return fs, nil
}

// CloseAll closes every open file handle. Used by shutdown.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, fs := range t.states {
		if err := fs.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.states = make(map[string]*FileState)
	return firstErr
}

// All returns every allocated FileState, for diagnostics and tests.
func (t *Table) All() []*FileState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*FileState, 0, len(t.states))
	for _, fs := range t.states {
		out = append(out, fs)
	}
	return out
}
