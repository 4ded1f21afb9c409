package renderer

import "errors"

var (
	ErrNoDevices        = errors.New("renderer: no devices match the selection")
	ErrSceneNotDefined  = errors.New("renderer: no scene defined")
	ErrCameraNotDefined = errors.New("renderer: no camera defined")
	ErrPassDisabled     = errors.New("renderer: light path pass disabled itself; check the log for details")
	ErrUnknownScheduler = errors.New("renderer: unknown block scheduler")
	ErrInterrupted      = errors.New("renderer: interrupted while rendering")
)
