package operator

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	xerrors "OperatorHub/internal/errors"
)

func newOp(ns, name, label string, mutate func(*Config)) Base {
	b := NewBase(ns, name, label)
	if mutate != nil {
		mutate(&b.Cfg)
	}
	return b
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newOp("@acme/map", "open", "Open map", nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(newOp("@acme/map", "open", "Again", nil)); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := reg.Register(newOp("", "bad", "", nil)); !xerrors.HasCode(err, xerrors.CodeRegistrationInvalid) {
		t.Fatalf("expected invalid uri, got %v", err)
	}
	if err := reg.Register(newOp("@acme/map", "hidden", "", func(c *Config) { c.Unlisted = true })); err != nil {
		t.Fatalf("register hidden: %v", err)
	}

	want := Listing{AllOperators: []Summary{
		{URI: "@acme/map/open", Name: "open", Label: "Open map", CanExecute: true},
		{URI: "@acme/map/hidden", Name: "hidden", Label: "hidden", Unlisted: true, CanExecute: true},
	}}
	if diff := cmp.Diff(want, reg.List()); diff != "" {
		t.Fatalf("listing mismatch (-want +got):\n%s", diff)
	}

	if _, err := reg.Get("@acme/map/missing"); !xerrors.HasCode(err, xerrors.CodeOperatorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n := reg.UnregisterNamespace("@acme/map"); n != 2 || reg.Len() != 0 {
		t.Fatalf("expected namespace removal, removed %d left %d", n, reg.Len())
	}
}

func TestSplitURI(t *testing.T) {
	ns, name, err := SplitURI("@voxel51/brain/compute_similarity")
	if err != nil || ns != "@voxel51/brain" || name != "compute_similarity" {
		t.Fatalf("unexpected split %q %q %v", ns, name, err)
	}
	for _, bad := range []string{"", "noslash", "/name", "ns/"} {
		if _, _, err := SplitURI(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func uris(in []Summary) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = s.URI
	}
	return out
}

func TestRank(t *testing.T) {
	summaries := []Summary{
		{URI: "@a/p/zoom", Name: "zoom", Label: "Zoom", CanExecute: true},
		{URI: "@a/p/export", Name: "export", Label: "Export samples", CanExecute: true},
		{URI: "@a/p/exclude", Name: "exclude", Label: "Exclude", CanExecute: false},
		{URI: "@a/p/secret", Name: "secret", Label: "Secret", Unlisted: true, CanExecute: true},
		{URI: "@b/q/exclude", Name: "exclude", Label: "Exclude", CanExecute: true},
	}

	all := Rank("", summaries, nil)
	if diff := cmp.Diff([]string{"@b/q/exclude", "@a/p/exclude", "@a/p/export", "@a/p/zoom"}, uris(all)); diff != "" {
		t.Fatalf("empty query order (-want +got):\n%s", diff)
	}

	history := NewHistory(10)
	history.Add("@a/p/zoom")
	recent := Rank("", summaries, history)
	if recent[0].URI != "@a/p/zoom" {
		t.Fatalf("recent operator should come first, got %v", uris(recent))
	}

	matches := Rank("exp", summaries, nil)
	if diff := cmp.Diff([]string{"@a/p/export"}, uris(matches)); diff != "" {
		t.Fatalf("fuzzy order (-want +got):\n%s", diff)
	}

	if got := Rank("secret", summaries, nil); len(got) != 0 {
		t.Fatalf("unlisted operator must stay hidden, got %v", uris(got))
	}
	if got := Rank("@a/p/secret", summaries, nil); len(got) != 1 {
		t.Fatalf("exact uri should reveal unlisted operator, got %v", uris(got))
	}
}

func TestHistoryMovesToFront(t *testing.T) {
	h := NewHistory(2)
	h.Add("a")
	h.Add("b")
	h.Add("a")
	h.Add("c")
	if diff := cmp.Diff([]string{"c", "a"}, h.Recent(0)); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
	if h.Position("b") != -1 {
		t.Fatal("oldest entry should be evicted")
	}
}
