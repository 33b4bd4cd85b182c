// Package viewstate owns the shared dashboard UI state: which of the
// two pages is the default landing view, and which regions the user
// currently has highlighted. One goroutine owns the data and everyone
// else talks to it through channels, so handlers never share mutable
// state directly.
package viewstate

import "context"

// Page names one of the two dashboards.
type Page string

const (
	PageUpload Page = "upload"
	PageAtlas  Page = "atlas"
)

// Valid reports whether p is one of the two known pages.
func (p Page) Valid() bool { return p == PageUpload || p == PageAtlas }

// Other returns the opposite page, the whole toggle in one method.
func (p Page) Other() Page {
	if p == PageAtlas {
		return PageUpload
	}
	return PageAtlas
}

// Snapshot is a point-in-time copy of the state. The Selected slice is
// owned by the caller; mutating it cannot affect the live state.
type Snapshot struct {
	Page     Page
	Selected []string
}

type commandKind int

const (
	cmdSnapshot commandKind = iota
	cmdSetPage
	cmdToggle
	cmdSelect
)

type command struct {
	kind     commandKind
	page     Page
	selected []string
	resp     chan Snapshot
}

// State is the channel front of the single owning goroutine.
type State struct {
	commands chan command
	initial  Page
}

// New prepares the state without starting it, mirroring how the other
// background services in this program separate wiring from running.
func New(initial Page) *State {
	if !initial.Valid() {
		initial = PageUpload
	}
	return &State{commands: make(chan command), initial: initial}
}

// Start launches the owning goroutine. The state answers until ctx is
// cancelled, which in practice means for the life of the process.
func (s *State) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *State) run(ctx context.Context) {
	page := s.initial
	var selected []string
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			switch cmd.kind {
			case cmdSetPage:
				if cmd.page.Valid() {
					page = cmd.page
				}
			case cmdToggle:
				page = page.Other()
			case cmdSelect:
				selected = dedupe(cmd.selected)
			}
			cmd.resp <- Snapshot{Page: page, Selected: append([]string(nil), selected...)}
		}
	}
}

func (s *State) do(cmd command) Snapshot {
	cmd.resp = make(chan Snapshot, 1)
	s.commands <- cmd
	return <-cmd.resp
}

// Snapshot returns the current page and selection.
func (s *State) Snapshot() Snapshot {
	return s.do(command{kind: cmdSnapshot})
}

// SetPage makes p the default landing page. Unknown values are
// ignored rather than corrupting the toggle.
func (s *State) SetPage(p Page) Snapshot {
	return s.do(command{kind: cmdSetPage, page: p})
}

// Toggle flips the landing page and returns the state after the flip.
func (s *State) Toggle() Snapshot {
	return s.do(command{kind: cmdToggle})
}

// SetSelected replaces the highlighted region set.
func (s *State) SetSelected(names []string) Snapshot {
	return s.do(command{kind: cmdSelect, selected: append([]string(nil), names...)})
}

// dedupe drops repeated names while keeping first-seen order, so a
// double-clicked option cannot double a pie slice.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
