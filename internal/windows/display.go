package windows

import "github.com/starford/vellum/internal/store"

// Display describes one attached screen.
type Display struct {
	ID       string
	WorkArea store.Bounds
	Primary  bool
}

// Displays reports the current screen configuration.
type Displays interface {
	List() []Display
	Primary() Display
}

// StaticDisplays is a fixed Displays provider, used in tests and as a
// fallback where the platform layer supplies a snapshot.
type StaticDisplays []Display

func (s StaticDisplays) List() []Display { return s }

func (s StaticDisplays) Primary() Display {
	for _, d := range s {
		if d.Primary {
			return d
		}
	}
	if len(s) > 0 {
		return s[0]
	}
	return Display{ID: "primary", WorkArea: store.Bounds{Width: 1920, Height: 1080}}
}

// RestoreBounds places a stored window rectangle on the current screen
// configuration. When the stored display still exists, the bounds are
// clamped into its work area preserving position where possible, which
// absorbs resolution changes since last session. When the display is
// gone, the stored position is meaningless, so the window is centered
// on the primary display using the stored size clamped to fit.
func RestoreBounds(ref store.WindowRef, displays Displays) store.Bounds {
	for _, d := range displays.List() {
		if d.ID == ref.DisplayID {
			return clampInto(ref.ScreenBounds, d.WorkArea)
		}
	}
	primary := displays.Primary().WorkArea
	b := ref.ScreenBounds
	if b.Width > primary.Width {
		b.Width = primary.Width
	}
	if b.Height > primary.Height {
		b.Height = primary.Height
	}
	b.X = primary.X + (primary.Width-b.Width)/2
	b.Y = primary.Y + (primary.Height-b.Height)/2
	return b
}

// clampInto fits b inside area, shrinking first and then shifting so
// the whole window stays visible.
func clampInto(b, area store.Bounds) store.Bounds {
	if b.Width > area.Width {
		b.Width = area.Width
	}
	if b.Height > area.Height {
		b.Height = area.Height
	}
	if b.X < area.X {
		b.X = area.X
	}
	if b.Y < area.Y {
		b.Y = area.Y
	}
	if b.X+b.Width > area.X+area.Width {
		b.X = area.X + area.Width - b.Width
	}
	if b.Y+b.Height > area.Y+area.Height {
		b.Y = area.Y + area.Height - b.Height
	}
	return b
}
