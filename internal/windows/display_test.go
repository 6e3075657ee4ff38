package windows

import (
	"testing"

	"github.com/starford/vellum/internal/store"
)

var twoDisplays = StaticDisplays{
	{ID: "main", WorkArea: store.Bounds{X: 0, Y: 0, Width: 1920, Height: 1080}, Primary: true},
	{ID: "side", WorkArea: store.Bounds{X: 1920, Y: 0, Width: 1280, Height: 1024}},
}

func TestRestoreBoundsOnKnownDisplay(t *testing.T) {
	ref := store.WindowRef{
		DisplayID:    "side",
		ScreenBounds: store.Bounds{X: 2000, Y: 100, Width: 800, Height: 600},
	}
	got := RestoreBounds(ref, twoDisplays)
	if got != ref.ScreenBounds {
		t.Errorf("bounds changed although they fit: %+v", got)
	}
}

func TestRestoreBoundsClampsOffscreen(t *testing.T) {
	ref := store.WindowRef{
		DisplayID:    "main",
		ScreenBounds: store.Bounds{X: 1800, Y: 1000, Width: 800, Height: 600},
	}
	got := RestoreBounds(ref, twoDisplays)
	want := store.Bounds{X: 1120, Y: 480, Width: 800, Height: 600}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRestoreBoundsShrinksOversized(t *testing.T) {
	ref := store.WindowRef{
		DisplayID:    "side",
		ScreenBounds: store.Bounds{X: 1920, Y: 0, Width: 4000, Height: 3000},
	}
	got := RestoreBounds(ref, twoDisplays)
	want := store.Bounds{X: 1920, Y: 0, Width: 1280, Height: 1024}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRestoreBoundsMissingDisplayCenters(t *testing.T) {
	ref := store.WindowRef{
		DisplayID:    "unplugged",
		ScreenBounds: store.Bounds{X: 5000, Y: 2000, Width: 800, Height: 600},
	}
	got := RestoreBounds(ref, twoDisplays)
	want := store.Bounds{X: 560, Y: 240, Width: 800, Height: 600}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRestoreBoundsIdempotent(t *testing.T) {
	ref := store.WindowRef{
		DisplayID:    "main",
		ScreenBounds: store.Bounds{X: -500, Y: -500, Width: 2500, Height: 1500},
	}
	once := RestoreBounds(ref, twoDisplays)
	ref.ScreenBounds = once
	twice := RestoreBounds(ref, twoDisplays)
	if once != twice {
		t.Errorf("not idempotent: %+v then %+v", once, twice)
	}
}

func TestStaticDisplaysPrimaryFallback(t *testing.T) {
	noPrimary := StaticDisplays{{ID: "only", WorkArea: store.Bounds{Width: 800, Height: 600}}}
	if got := noPrimary.Primary().ID; got != "only" {
		t.Errorf("Primary = %q", got)
	}
	empty := StaticDisplays{}
	if got := empty.Primary().WorkArea.Width; got != 1920 {
		t.Errorf("fallback work area width = %d", got)
	}
}
