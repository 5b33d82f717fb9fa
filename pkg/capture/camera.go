// Package capture provides camera and screen frame sources producing JPEG
// stills for the media layer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-live/pkg/media"
)

// ErrClosed indicates the source was closed.
var ErrClosed = errors.New("capture: closed")

// Camera reads frames from a webcam through OpenCV.
type Camera struct {
	c      media.Constraints
	logger *slog.Logger

	mu  sync.Mutex
	vc  *gocv.VideoCapture
	img gocv.Mat
}

var _ media.FrameSource = (*Camera)(nil)

// NewCamera creates a camera source for c. It opens nothing until Open.
func NewCamera(c media.Constraints, logger *slog.Logger) *Camera {
	if logger == nil {
		logger = slog.Default()
	}
	return &Camera{c: c, logger: logger.With("component", "camera")}
}

// CameraFactory adapts NewCamera to media.FrameSourceFactory.
func CameraFactory(logger *slog.Logger) media.FrameSourceFactory {
	return func(c media.Constraints) (media.FrameSource, error) {
		return NewCamera(c, logger), nil
	}
}

// Open opens the device named by the constraints.
func (c *Camera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc != nil {
		return nil
	}

	vc, err := gocv.OpenVideoCapture(parseDevice(c.c.Device))
	if err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("open camera %q: not opened", c.c.Device)
	}
	if c.c.Width > 0 && c.c.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.c.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.c.Height))
	}
	c.vc = vc
	c.img = gocv.NewMat()
	c.logger.Debug("camera opened", "device", c.c.Device)
	return nil
}

// ReadJPEG grabs one frame and encodes it.
func (c *Camera) ReadJPEG(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil, ErrClosed
	}

	if ok := c.vc.Read(&c.img); !ok || c.img.Empty() {
		return nil, errors.New("camera read returned no frame")
	}

	img := c.img
	if c.c.Width > 0 && c.c.Height > 0 && (img.Cols() != c.c.Width || img.Rows() != c.c.Height) {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(img, &resized, image.Pt(c.c.Width, c.c.Height), 0, 0, gocv.InterpolationArea)
		img = resized
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, jpegQuality(c.c.Quality)})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil
	}
	c.img.Close()
	err := c.vc.Close()
	c.vc = nil
	return err
}

// parseDevice maps "", "default" and numeric IDs to an index and passes
// anything else through as a path.
func parseDevice(id string) any {
	switch id {
	case "", "default":
		return 0
	}
	if n, err := strconv.Atoi(id); err == nil {
		return n
	}
	return id
}

func jpegQuality(q int) int {
	if q <= 0 {
		return 80
	}
	if q > 100 {
		return 100
	}
	return q
}
