package filestate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ndntorrent/ntorrent/catalog"
)

func manifestName(s string) catalog.Name { return catalog.ParseName(s) }

func TestAllocateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	tbl := New()
	path := filepath.Join(dir, "a.txt")

	fs1, err := tbl.Allocate(manifestName("a"), path, 10, 4, 3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	fs2, err := tbl.Allocate(manifestName("a"), path, 999, 999, 999)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if fs1 != fs2 {
		t.Fatalf("Allocate must return the existing FileState for an already-allocated chain")
	}
	if fs2.NumPackets != 3 {
		t.Fatalf("second Allocate must not re-size an existing FileState, got NumPackets=%d", fs2.NumPackets)
	}
}

func TestWritePacketAndReadBack(t *testing.T) {
	dir := t.TempDir()
	tbl := New()
	path := filepath.Join(dir, "a.txt")

	fs, err := tbl.Allocate(manifestName("a"), path, 8, 4, 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if fs.HasPacket(0) {
		t.Fatalf("a freshly allocated FileState must have no packets present")
	}

	payload := []byte("abcd")
	if err := fs.WritePacket(0, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if !fs.HasPacket(0) {
		t.Fatalf("HasPacket(0) should be true after WritePacket(0, ...)")
	}

	got, err := fs.ReadPacket(0)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadPacket(0) = %q, want %q", got, payload)
	}
}

func TestWritePacketRedeliveryIsNoOp(t *testing.T) {
	dir := t.TempDir()
	tbl := New()
	fs, err := tbl.Allocate(manifestName("a"), filepath.Join(dir, "a.txt"), 8, 4, 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := fs.WritePacket(0, []byte("abcd")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := fs.WritePacket(0, []byte("ZZZZ")); err != nil {
		t.Fatalf("re-delivery WritePacket: %v", err)
	}
	got, err := fs.ReadPacket(0)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(got) != "abcd" {
		t.Fatalf("re-delivery must not overwrite an already-validated packet, got %q", got)
	}
}

func TestWritePacketTruncatesShortFinalPacket(t *testing.T) {
	dir := t.TempDir()
	tbl := New()
	path := filepath.Join(dir, "a.txt")
	fs, err := tbl.Allocate(manifestName("a"), path, 8, 4, 2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := fs.WritePacket(1, []byte("ab")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if fs.FileLength != 6 {
		t.Fatalf("FileLength after a short final packet = %d, want 6", fs.FileLength)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 6 {
		t.Fatalf("file size on disk = %d, want 6", info.Size())
	}
}

func TestCompleteAndMissingIndices(t *testing.T) {
	dir := t.TempDir()
	tbl := New()
	fs, err := tbl.Allocate(manifestName("a"), filepath.Join(dir, "a.txt"), 12, 4, 3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fs.Complete() {
		t.Fatalf("an empty FileState must not be Complete")
	}
	fs.WritePacket(0, []byte("aaaa"))
	fs.WritePacket(2, []byte("cccc"))
	missing := fs.MissingIndices()
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("MissingIndices() = %v, want [1]", missing)
	}
	fs.WritePacket(1, []byte("bbbb"))
	if !fs.Complete() {
		t.Fatalf("expected Complete() once every packet is present")
	}
}

func TestBitmapPersistsAcrossAllocate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	tbl := New()
	fs, err := tbl.Allocate(manifestName("a"), path, 12, 4, 3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := fs.WritePacket(0, []byte("aaaa")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := tbl.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	tbl2 := New()
	fs2, err := tbl2.Allocate(manifestName("a"), path, 12, 4, 3)
	if err != nil {
		t.Fatalf("second Allocate after restart: %v", err)
	}
	if !fs2.HasPacket(0) {
		t.Fatalf("presence bitmap should survive a restart via its sidecar file")
	}
	if fs2.HasPacket(1) {
		t.Fatalf("packet 1 was never written and must not be reported present")
	}
}

func TestAllocateWithCorruptSidecarStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path+".bitmap", []byte("not a bitmap"), 0o644); err != nil {
		t.Fatalf("write corrupt sidecar: %v", err)
	}

	tbl := New()
	fs, err := tbl.Allocate(manifestName("a"), path, 12, 4, 3)
	if err != nil {
		t.Fatalf("Allocate with a corrupt sidecar must not fail: %v", err)
	}
	if len(fs.BitmapSnapshot()) != 0 {
		t.Fatalf("a corrupt sidecar must be treated as nothing present yet")
	}
}

func TestCloseAllClearsTable(t *testing.T) {
	dir := t.TempDir()
	tbl := New()
	if _, err := tbl.Allocate(manifestName("a"), filepath.Join(dir, "a.txt"), 4, 4, 1); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := tbl.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if len(tbl.All()) != 0 {
		t.Fatalf("CloseAll must clear the table")
	}
}
