package spslink

import (
	"io"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Options configures a Manager. Zero values take the struct defaults.
type Options struct {
	// MaxConnections bounds the number of concurrently open SPS channels
	// across all instances.
	MaxConnections int `default:"8"`

	// RxBufferSize is the per-channel receive buffer capacity in bytes.
	RxBufferSize int `default:"1024"`

	// DefaultSendTimeout is the initial per-channel send timeout, applied
	// when a channel is created and mutable via SetSendTimeout.
	DefaultSendTimeout time.Duration `default:"100ms"`

	// Logger receives diagnostics; nil means silent.
	Logger *logrus.Logger
}

// noopLogger discards all output; shared so a nil Options.Logger costs one
// allocation ever.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (o *Options) normalize() {
	defaults.SetDefaults(o)
	if o.Logger == nil {
		o.Logger = noopLogger
	}
}
