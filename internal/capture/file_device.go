package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
)

// FileDevice is a camera stand-in for headless deployments: it reads frames
// from a file path (for example a ramdisk path a capture daemon writes to).
// Permission errors on the path map onto ErrPermissionDenied so the state
// machine sees the same failure modes a real camera produces.
type FileDevice struct {
	Path string
}

// Open validates the source path and returns a stream over it.
func (d *FileDevice) Open(ctx context.Context) (Stream, error) {
	if d == nil || d.Path == "" {
		return nil, fmt.Errorf("%w: no camera source configured", ErrDeviceError)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceError, err)
	}
	if _, err := os.Stat(d.Path); err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceError, err)
	}
	return &fileStream{path: d.Path}, nil
}

type fileStream struct {
	path string
}

func (s *fileStream) Frame() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (s *fileStream) Dimensions() (int, int) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, 0
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func (s *fileStream) Close() error { return nil }
