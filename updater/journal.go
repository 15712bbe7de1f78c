package updater

import (
	"github.com/overlaynode/nodeupdater/journal"
)

const (
	evtManifest = iota
	evtDependency
	evtReady
	evtBroken
	evtProgress
)

func registerEvtTypes(j journal.Journal) [5]journal.EventType {
	return [...]journal.EventType{
		evtManifest:   j.RegisterEventType("updater", "manifest"),
		evtDependency: j.RegisterEventType("updater", "dependency"),
		evtReady:      j.RegisterEventType("updater", "ready"),
		evtBroken:     j.RegisterEventType("updater", "broken"),
		evtProgress:   j.RegisterEventType("updater", "progress"),
	}
}

// ManifestEvt is recorded every time a manifest is handled.
type ManifestEvt struct {
	Build     Build
	Status    string
	Fetching  int
	Essential int
	Satisfied int
}

// DependencyEvt is recorded when a fetcher of the current build delivers its
// terminal result.
type DependencyEvt struct {
	Name      string
	Cid       string
	Build     Build
	Essential bool
	Source    string `json:",omitempty"`
	Error     string `json:",omitempty"`
}

func newDependencyEvt(res FetchResult) DependencyEvt {
	evt := DependencyEvt{
		Name:      res.Descriptor.Name,
		Cid:       res.Descriptor.Cid.String(),
		Build:     res.Descriptor.Build,
		Essential: res.Descriptor.Essential,
	}
	if res.Err != nil {
		evt.Error = res.Err.Error()
	} else {
		evt.Source = res.Source.String()
	}
	return evt
}

type ReadyEvt struct {
	Build        Build
	Dependencies []string
}

type BrokenEvt struct {
	Build Build
	Error string
}

type ProgressEvt struct {
	Name     string
	Build    Build
	Progress ProgressSnapshot
}
