package manager

import (
	"github.com/ndntorrent/ntorrent/catalog"
	"github.com/ndntorrent/ntorrent/eventstream"
)

// publishAccepted notifies cfg.Events, if configured, that name was
// accepted and written to disk.
func (m *Manager) publishAccepted(kind eventstream.Kind, name catalog.Name) {
	if m.cfg.Events == nil {
		return
	}
	m.cfg.Events.Publish(eventstream.Event{Kind: kind, Name: name.String()})
}

// publishFailed notifies cfg.Events, if configured, that name
// terminally failed.
func (m *Manager) publishFailed(name catalog.Name, err *DownloadError) {
	if m.cfg.Events == nil {
		return
	}
	m.cfg.Events.Publish(eventstream.Event{
		Kind:   eventstream.KindFailure,
		Name:   name.String(),
		Reason: err.Reason.String(),
		Err:    errString(err.Err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
