// Command ntorrentd wires a Manager to an in-memory Face and drives its
// event loop. This binary exists only so the library is exercised
// end-to-end outside of tests.
package main

import (
	"flag"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ndntorrent/ntorrent/catalog"
	"github.com/ndntorrent/ntorrent/codec"
	"github.com/ndntorrent/ntorrent/eventstream"
	"github.com/ndntorrent/ntorrent/manager"
	"github.com/ndntorrent/ntorrent/ndn"
)

func main() {
	dataDir := flag.String("data", ".", "data directory")
	rootName := flag.String("root", "/torrent/root", "root torrent name, '/'-separated")
	seed := flag.Bool("seed", false, "answer inbound Interests for locally held data")
	poll := flag.Duration("poll", time.Second, "ProcessEvents poll interval")
	eventsAddr := flag.String("events", "", "if set, serve a websocket event stream on this address (e.g. :8080)")
	flag.Parse()

	root := parseName(*rootName)
	face := ndn.NewMemFace(0)
	defer face.Shutdown()

	var hub *eventstream.Hub
	if *eventsAddr != "" {
		hub = eventstream.New()
		go hub.Start()
		defer hub.Close()
		go func() {
			log.Printf("ntorrentd: event stream listening on %s", *eventsAddr)
			if err := http.ListenAndServe(*eventsAddr, hub); err != nil {
				log.Printf("ntorrentd: event stream server: %v", err)
			}
		}()
	}

	m := manager.New(root, *dataDir, *seed, face, ndn.TrustAllKeyChain{}, &codec.WireCodec{}, manager.Config{Events: hub})
	if err := m.Initialize(); err != nil {
		log.Fatalf("ntorrentd: initialize: %v", err)
	}
	defer m.Shutdown()

	log.Printf("ntorrentd: serving %s from %s (seed=%v)", root, *dataDir, *seed)
	for {
		m.ProcessEvents(*poll)
	}
}

func parseName(s string) catalog.Name {
	var parts []string
	for _, p := range strings.Split(s, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return catalog.ParseName(parts...)
}
