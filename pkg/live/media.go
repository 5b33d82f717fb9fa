package live

import (
	"context"

	"github.com/teslashibe/go-live/pkg/media"
	"github.com/teslashibe/go-live/pkg/router"
)

// StartMic begins streaming the microphone. It requires a connection.
func (s *Session) StartMic(ctx context.Context, device string) error {
	if !s.live() {
		s.marker(MarkerConnectFirst)
		return ErrNotConnected
	}
	if s.mic.Running() {
		return nil
	}
	if err := s.mic.Start(context.WithoutCancel(ctx), device); err != nil {
		s.mediaFailed("Audio", err)
		return err
	}
	s.marker(MarkerMicOn)
	return nil
}

// StopMic stops the microphone.
func (s *Session) StopMic() {
	if !s.mic.Running() {
		return
	}
	s.mic.Stop()
	s.marker(MarkerMicOff)
}

// MicOn reports whether the microphone is streaming.
func (s *Session) MicOn() bool { return s.mic.Running() }

// StartCamera begins sampling the camera at c.FPS.
func (s *Session) StartCamera(ctx context.Context, c media.Constraints) (*media.Handle, error) {
	return s.startVideo(ctx, s.camera, c, "Video", MarkerCameraOn)
}

// StopCamera stops the camera.
func (s *Session) StopCamera() { s.stopVideo(s.camera, MarkerCameraOff) }

// CameraOn reports whether the camera is streaming.
func (s *Session) CameraOn() bool { return s.camera.Running() }

// StartScreen begins sampling the screen at c.FPS.
func (s *Session) StartScreen(ctx context.Context, c media.Constraints) (*media.Handle, error) {
	return s.startVideo(ctx, s.screen, c, "Screen share", MarkerScreenOn)
}

// StopScreen stops screen sharing.
func (s *Session) StopScreen() { s.stopVideo(s.screen, MarkerScreenOff) }

// ScreenOn reports whether the screen is being shared.
func (s *Session) ScreenOn() bool { return s.screen.Running() }

func (s *Session) startVideo(ctx context.Context, v *media.VideoCapture, c media.Constraints, label, marker string) (*media.Handle, error) {
	if !s.live() {
		s.marker(MarkerConnectFirst)
		return nil, ErrNotConnected
	}
	running := v.Running()
	h, err := v.Start(context.WithoutCancel(ctx), c)
	if err != nil {
		s.mediaFailed(label, err)
		return nil, err
	}
	if !running {
		s.marker(marker)
	}
	return h, nil
}

func (s *Session) stopVideo(v *media.VideoCapture, marker string) {
	running := v.Running()
	v.Stop()
	if running {
		s.marker(marker)
	}
}

func (s *Session) stopMedia() {
	s.StopMic()
	s.StopCamera()
	s.StopScreen()
}

func (s *Session) mediaFailed(label string, err error) {
	s.logger.Warn("media start failed", "media", label, "error", err)
	s.marker("[" + label + " error: " + err.Error() + "]")
	s.notify(router.Notification{Level: router.LevelError, Message: label + " error: " + err.Error()})
}
