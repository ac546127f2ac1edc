package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"net/http/httptest"

	"github.com/gorilla/websocket"

	"github.com/ndntorrent/ntorrent/catalog"
	"github.com/ndntorrent/ntorrent/codec"
	"github.com/ndntorrent/ntorrent/eventstream"
	"github.com/ndntorrent/ntorrent/filestate"
	"github.com/ndntorrent/ntorrent/ndn"
)

// seededFixture holds a fully materialized, single-file torrent: a
// one-segment torrent chain pointing at a one-segment manifest chain
// covering three data packets, ready to be scanned off disk by a
// seeding Manager's Initialize.
type seededFixture struct {
	rootName      catalog.Name
	manifestName  catalog.Name // chain's initial-segment name
	packetNames   []catalog.Name
	filePath      string
	payload       []byte
	dataPacketSz  uint64
}

func buildFixture() seededFixture {
	root := catalog.ParseName("root")
	manifestInitial := catalog.ParseName("manifest", "a.txt").WithSegmentIndex(0)
	chainPrefix := manifestInitial.ChainPrefix()
	packets := []catalog.Name{
		chainPrefix.Append(catalog.GenericComponent("packet")).WithSegmentIndex(0),
		chainPrefix.Append(catalog.GenericComponent("packet")).WithSegmentIndex(1),
		chainPrefix.Append(catalog.GenericComponent("packet")).WithSegmentIndex(2),
	}
	return seededFixture{
		rootName:     root,
		manifestName: manifestInitial,
		packetNames:  packets,
		filePath:     "a.txt",
		payload:      []byte("hello world!"), // 12 bytes
		dataPacketSz: 4,
	}
}

// writeSeederDisk encodes the fixture's torrent and manifest segments
// and the reconstructed file plus its presence bitmap onto dir, in the
// exact layout Manager.Initialize scans.
func writeSeederDisk(t *testing.T, dir string, f seededFixture, c codec.Codec) {
	t.Helper()

	torrentSeg := &catalog.TorrentFileSegment{
		Name:           f.rootName.WithSegmentIndex(0),
		CatalogEntries: []catalog.Name{f.manifestName},
	}
	wire, err := c.EncodeTorrentSegment(torrentSeg)
	if err != nil {
		t.Fatalf("EncodeTorrentSegment: %v", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, torrentDirName, "0"), wire); err != nil {
		t.Fatalf("write torrent segment: %v", err)
	}

	manifestSeg := &catalog.FileManifestSegment{
		Name:           f.manifestName,
		FilePath:       f.filePath,
		DataPacketSize: f.dataPacketSz,
		PacketNames:    f.packetNames,
	}
	wire, err = c.EncodeManifestSegment(manifestSeg)
	if err != nil {
		t.Fatalf("EncodeManifestSegment: %v", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestsDirName, f.filePath, "0"), wire); err != nil {
		t.Fatalf("write manifest segment: %v", err)
	}

	tbl := filestate.New()
	fs, err := tbl.Allocate(f.manifestName, filepath.Join(dir, f.filePath), uint64(len(f.payload)), f.dataPacketSz, uint64(len(f.packetNames)))
	if err != nil {
		t.Fatalf("filestate.Allocate: %v", err)
	}
	for i := range f.packetNames {
		start := uint64(i) * f.dataPacketSz
		end := start + f.dataPacketSz
		if end > uint64(len(f.payload)) {
			end = uint64(len(f.payload))
		}
		if err := fs.WritePacket(uint64(i), f.payload[start:end]); err != nil {
			t.Fatalf("WritePacket(%d): %v", i, err)
		}
	}
	if err := tbl.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
}

// bridgeFace wires a MemFace's simulated-network responder to its own
// InjectInterest, so a SendInterest issued by one Manager is answered
// by whichever other Manager registered a matching prefix on the same
// face.
func bridgeFace(f *ndn.MemFace) {
	f.SetResponder(catalog.Name{}, ndn.ResponderFunc(func(i *ndn.Interest) ndn.Result {
		pkt, ok := f.InjectInterest(i)
		if !ok {
			return ndn.Result{TimedOut: true}
		}
		return ndn.Result{Data: pkt}
	}))
}

func TestOnInterestServesAbsoluteNames(t *testing.T) {
	f := buildFixture()
	dir := t.TempDir()
	c := codec.NewWireCodec()
	writeSeederDisk(t, dir, f, c)

	face := ndn.NewMemFace(2)
	defer face.Shutdown()
	seeder := New(f.rootName, dir, true, face, ndn.TrustAllKeyChain{}, c)
	if err := seeder.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	rootPrefix := f.rootName.ChainPrefix()
	pkt, ok := seeder.onInterest(rootPrefix, &ndn.Interest{Name: f.rootName.WithSegmentIndex(0)})
	if !ok {
		t.Fatalf("onInterest did not serve the torrent segment under its own absolute name")
	}
	seg, err := c.DecodeTorrentSegment(pkt.Wire)
	if err != nil || !seg.Name.Equal(f.rootName.WithSegmentIndex(0)) {
		t.Fatalf("decoded torrent segment = %+v, err=%v", seg, err)
	}

	manifestPrefix := f.manifestName.ChainPrefix()
	pkt, ok = seeder.onInterest(manifestPrefix, &ndn.Interest{Name: f.manifestName})
	if !ok {
		t.Fatalf("onInterest did not serve the manifest segment under its own absolute name")
	}
	mseg, err := c.DecodeManifestSegment(pkt.Wire)
	if err != nil || !mseg.Name.Equal(f.manifestName) {
		t.Fatalf("decoded manifest segment = %+v, err=%v", mseg, err)
	}

	pkt, ok = seeder.onInterest(manifestPrefix, &ndn.Interest{Name: f.packetNames[0]})
	if !ok {
		t.Fatalf("onInterest did not serve packet 0 nested under the manifest chain's prefix")
	}
	data, err := c.DecodeData(pkt.Wire)
	if err != nil || string(data.Payload) != "hell" {
		t.Fatalf("decoded packet 0 payload = %q, err=%v", data.Payload, err)
	}

	// A prefix that does not match the request at all must be refused.
	if _, ok := seeder.onInterest(catalog.ParseName("nope"), &ndn.Interest{Name: f.packetNames[0]}); ok {
		t.Fatalf("onInterest must refuse a name outside the given prefix")
	}
}

func TestDownloadPipelineEndToEnd(t *testing.T) {
	fx := buildFixture()
	c := codec.NewWireCodec()

	seederDir := t.TempDir()
	writeSeederDisk(t, seederDir, fx, c)

	face := ndn.NewMemFace(4)
	defer face.Shutdown()
	bridgeFace(face)

	seeder := New(fx.rootName, seederDir, true, face, ndn.TrustAllKeyChain{}, c)
	if err := seeder.Initialize(); err != nil {
		t.Fatalf("seeder Initialize: %v", err)
	}

	hub := eventstream.New(eventstream.Config{
		PingPeriod:   20 * time.Millisecond,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
	})
	go hub.Start()
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial event stream: %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond) // let ServeHTTP register the client

	leecherDir := t.TempDir()
	leecher := New(fx.rootName, leecherDir, false, face, ndn.TrustAllKeyChain{}, c, Config{
		InitialPrefixes: []catalog.Name{{}},
		Events:          hub,
	})
	if err := leecher.Initialize(); err != nil {
		t.Fatalf("leecher Initialize: %v", err)
	}

	done := make(chan error, 1)
	var gotPacketNames []catalog.Name

	leecher.DownloadTorrentFile("", func(manifestNames []catalog.Name) {
		if len(manifestNames) != 1 {
			done <- fmt.Errorf("want 1 manifest entry, got %d", len(manifestNames))
			return
		}
		leecher.DownloadFileManifest(manifestNames[0], "", func(packetNames []catalog.Name) {
			gotPacketNames = append(gotPacketNames, packetNames...)
			remaining := len(packetNames)
			for _, pn := range packetNames {
				pn := pn
				leecher.DownloadDataPacket(pn, func(catalog.Name) {
					remaining--
					if remaining == 0 {
						done <- nil
					}
				}, func(n catalog.Name, err error) {
					done <- fmt.Errorf("packet %s failed: %w", n, err)
				})
			}
		}, func(n catalog.Name, err error) {
			done <- fmt.Errorf("manifest %s failed: %w", n, err)
		})
	}, func(n catalog.Name, err error) {
		done <- fmt.Errorf("torrent segment %s failed: %w", n, err)
	})

	if err := pumpUntil(leecher, done, 30); err != nil {
		t.Fatalf("download pipeline: %v", err)
	}

	if len(gotPacketNames) != 3 {
		t.Fatalf("got %d packet names, want 3", len(gotPacketNames))
	}
	for _, pn := range gotPacketNames {
		if !leecher.HasDataPacket(pn) {
			t.Errorf("HasDataPacket(%s) = false after a successful download", pn)
		}
	}

	got, err := os.ReadFile(filepath.Join(leecherDir, fx.filePath))
	if err != nil {
		t.Fatalf("read reconstructed file: %v", err)
	}
	if string(got) != string(fx.payload) {
		t.Fatalf("reconstructed file = %q, want %q", got, fx.payload)
	}

	seen := map[eventstream.Kind]bool{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 10 && len(seen) < 3; i++ {
		var ev eventstream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		seen[ev.Kind] = true
	}
	for _, k := range []eventstream.Kind{eventstream.KindTorrentSegment, eventstream.KindManifestSegment, eventstream.KindDataPacket} {
		if !seen[k] {
			t.Errorf("event stream never reported a %s event", k)
		}
	}

	// A second Initialize over the same, now-complete directory must be
	// a no-op that still reports every packet present (simulated restart).
	restarted := New(fx.rootName, leecherDir, false, face, ndn.TrustAllKeyChain{}, c)
	if err := restarted.Initialize(); err != nil {
		t.Fatalf("restarted Initialize: %v", err)
	}
	for _, pn := range gotPacketNames {
		if !restarted.HasDataPacket(pn) {
			t.Errorf("after restart, HasDataPacket(%s) = false", pn)
		}
	}
}

// pumpUntil drives the manager's event loop in short bursts until done
// fires or attempts run out.
func pumpUntil(m *Manager, done chan error, attempts int) error {
	for i := 0; i < attempts; i++ {
		select {
		case err := <-done:
			return err
		default:
			m.ProcessEvents(10 * time.Millisecond)
		}
	}
	select {
	case err := <-done:
		return err
	default:
		return fmt.Errorf("timed out waiting for completion")
	}
}

func TestTerminalFailureOnExhaustedRetries(t *testing.T) {
	face := ndn.NewMemFace(2)
	defer face.Shutdown()
	face.SetResponder(catalog.Name{}, ndn.AlwaysTimeout())

	m := New(catalog.ParseName("root"), t.TempDir(), false, face, ndn.TrustAllKeyChain{}, codec.NewWireCodec(), Config{
		InitialPrefixes: []catalog.Name{{}},
		MaxRetries:      1,
	})

	done := make(chan struct {
		name catalog.Name
		err  error
	}, 1)
	target := catalog.ParseName("packet", "a.txt").WithSegmentIndex(0)
	m.DownloadDataPacket(target, func(catalog.Name) {
		t.Errorf("onSuccess must not fire for a request that only ever times out")
	}, func(n catalog.Name, err error) {
		done <- struct {
			name catalog.Name
			err  error
		}{n, err}
	})

	var result struct {
		name catalog.Name
		err  error
	}
	for i := 0; i < 20; i++ {
		select {
		case result = <-done:
			goto gotResult
		default:
			m.ProcessEvents(10 * time.Millisecond)
		}
	}
	t.Fatal("terminal failure never arrived")

gotResult:
	if !result.name.Equal(target) {
		t.Fatalf("failed name = %s, want %s", result.name, target)
	}
	downloadErr, ok := result.err.(*DownloadError)
	if !ok {
		t.Fatalf("err = %T, want *DownloadError", result.err)
	}
	if downloadErr.Reason != ReasonTimeout {
		t.Fatalf("Reason = %s, want %s", downloadErr.Reason, ReasonTimeout)
	}
}

func TestShutdownCancelsPendingWithoutCallbacks(t *testing.T) {
	face := ndn.NewMemFace(2)
	defer face.Shutdown()

	block := make(chan struct{})
	face.SetResponder(catalog.Name{}, ndn.ResponderFunc(func(*ndn.Interest) ndn.Result {
		<-block
		return ndn.Result{TimedOut: true}
	}))

	m := New(catalog.ParseName("root"), t.TempDir(), false, face, ndn.TrustAllKeyChain{}, codec.NewWireCodec(), Config{
		InitialPrefixes: []catalog.Name{{}},
	})

	called := false
	target := catalog.ParseName("packet", "a.txt").WithSegmentIndex(0)
	m.DownloadDataPacket(target, func(catalog.Name) { called = true }, func(catalog.Name, error) { called = true })

	// Pump once so the request is actually sent (and now blocked inside
	// the responder) before shutting down.
	m.ProcessEvents(10 * time.Millisecond)
	m.Shutdown()
	close(block)

	// Give the now-unblocked responder a moment to deliver its late
	// result; it must be silently dropped since the entry is gone from
	// pending.
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("a callback fired for a request cancelled by Shutdown")
	}
}

func TestFindTorrentFileSegmentToDownloadOnFreshManager(t *testing.T) {
	face := ndn.NewMemFace(1)
	defer face.Shutdown()
	root := catalog.ParseName("root")
	m := New(root, t.TempDir(), false, face, ndn.TrustAllKeyChain{}, codec.NewWireCodec())

	name := m.FindTorrentFileSegmentToDownload()
	if name == nil || !name.Equal(root.WithSegmentIndex(0)) {
		t.Fatalf("FindTorrentFileSegmentToDownload() = %v, want %s", name, root.WithSegmentIndex(0))
	}
}
