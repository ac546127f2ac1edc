package manager

import (
	"github.com/ndntorrent/ntorrent/catalog"
	"github.com/ndntorrent/ntorrent/eventstream"
	"github.com/ndntorrent/ntorrent/internal/ntlog"
)

const (
	defaultWindowSize       = 50
	defaultMaxRetries       = 5
	defaultSortingInterval  = 100
)

// Config configures a Manager. Every field is optional; zero values
// are defaulted by withDefaults rather than rejected.
type Config struct {
	// DataDir is the root of the on-disk layout: torrent/ and
	// manifests/ subdirectories holding decoded catalog segments, plus
	// the reconstructed payload files themselves.
	DataDir string

	// Seed enables answering inbound Interests for locally held data.
	// Seeding is off by default: a pure leecher.
	Seed bool

	// WindowSize bounds |pending|. Defaults to 50.
	WindowSize int

	// MaxRetries is the number of attempts on one prefix before the
	// cursor advances. Defaults to 5.
	MaxRetries int

	// SortingInterval is how many emitted requests trigger a StatsTable
	// re-sort. Defaults to 100.
	SortingInterval int

	// InitialPrefixes seeds the StatsTable at construction. No default
	// prefixes are baked in — an empty list is a valid (if useless)
	// starting state.
	InitialPrefixes []catalog.Name

	// ErrorLog receives diagnostic messages (skipped files during
	// Initialize, prefix-registration retries, and the like). Defaults
	// to ntlog.Default() (log.Printf).
	ErrorLog ntlog.Logger

	// Events, if set, receives a published Event for every accepted or
	// terminally failed catalog item, for an outer process to observe
	// progress over a websocket connection. Nil means no publishing.
	Events *eventstream.Hub
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.SortingInterval <= 0 {
		c.SortingInterval = defaultSortingInterval
	}
	c.ErrorLog = ntlog.Or(c.ErrorLog)
	return c
}
