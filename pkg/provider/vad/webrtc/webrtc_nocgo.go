//go:build !cgo

package webrtc

import (
	"fmt"

	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// Engine is unavailable in builds without cgo.
type Engine struct{}

// New reports that the detector is not compiled in.
func New() (*Engine, error) {
	return nil, fmt.Errorf("webrtc: built without cgo: %w", vad.ErrUnavailable)
}

// NewSession always fails.
func (e *Engine) NewSession(vad.Config) (vad.SessionHandle, error) {
	return nil, fmt.Errorf("webrtc: built without cgo: %w", vad.ErrUnavailable)
}

var _ vad.Engine = (*Engine)(nil)
