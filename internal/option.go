package internal

import (
	"github.com/starford/vellum/internal/actions"
	"github.com/starford/vellum/internal/windows"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config   *Config
	dialogs  actions.Dialogs
	displays windows.Displays
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithDialogs sets the platform dialog provider. Without one, every
// prompt resolves to its non-destructive choice.
func WithDialogs(d actions.Dialogs) Option {
	return func(a *application) {
		a.dialogs = d
	}
}

// WithDisplays sets the display-configuration provider used for window
// geometry restoration.
func WithDisplays(d windows.Displays) Option {
	return func(a *application) {
		a.displays = d
	}
}
