package viewstate

import (
	"context"
	"testing"
)

func started(t *testing.T, initial Page) *State {
	t.Helper()
	s := New(initial)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
	return s
}

func TestInitialPage(t *testing.T) {
	s := started(t, PageAtlas)
	if snap := s.Snapshot(); snap.Page != PageAtlas {
		t.Fatalf("initial page = %q, want atlas", snap.Page)
	}
	// Nonsense initial values fall back to the upload page.
	s = started(t, Page("garbage"))
	if snap := s.Snapshot(); snap.Page != PageUpload {
		t.Fatalf("fallback page = %q, want upload", snap.Page)
	}
}

func TestToggleFlipsBetweenPages(t *testing.T) {
	s := started(t, PageUpload)
	if snap := s.Toggle(); snap.Page != PageAtlas {
		t.Fatalf("after first toggle page = %q, want atlas", snap.Page)
	}
	if snap := s.Toggle(); snap.Page != PageUpload {
		t.Fatalf("after second toggle page = %q, want upload", snap.Page)
	}
}

func TestSetPageIgnoresUnknownValues(t *testing.T) {
	s := started(t, PageUpload)
	s.SetPage(PageAtlas)
	if snap := s.SetPage(Page("bogus")); snap.Page != PageAtlas {
		t.Fatalf("page = %q after bogus SetPage, want atlas", snap.Page)
	}
}

func TestSelectionReplaceAndDedupe(t *testing.T) {
	s := started(t, PageUpload)
	snap := s.SetSelected([]string{"North", "South", "North"})
	if len(snap.Selected) != 2 || snap.Selected[0] != "North" || snap.Selected[1] != "South" {
		t.Fatalf("selection = %v", snap.Selected)
	}
	snap = s.SetSelected([]string{"East"})
	if len(snap.Selected) != 1 || snap.Selected[0] != "East" {
		t.Fatalf("selection after replace = %v", snap.Selected)
	}
	snap = s.SetSelected(nil)
	if len(snap.Selected) != 0 {
		t.Fatalf("selection after clearing = %v", snap.Selected)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := started(t, PageUpload)
	s.SetSelected([]string{"North"})
	snap := s.Snapshot()
	snap.Selected[0] = "mangled"
	if again := s.Snapshot(); again.Selected[0] != "North" {
		t.Fatalf("caller mutation leaked into state: %v", again.Selected)
	}
}
