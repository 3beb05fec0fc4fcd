// Package imaging converts raw frames to and from JPEG.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// DefaultQuality is used for keyframes and inference uploads
const DefaultQuality = 85

// ToImage converts a frame to an image.Image. JPEG frames are decoded, BGR24
// frames are repacked into RGBA.
func ToImage(frame types.Frame) (image.Image, error) {
	switch frame.Format {
	case types.FormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode jpeg frame: %w", err)
		}
		return img, nil
	case types.FormatBGR24, "":
		want := frame.Width * frame.Height * 3
		if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) < want {
			return nil, fmt.Errorf("bgr24 frame %dx%d needs %d bytes, got %d",
				frame.Width, frame.Height, want, len(frame.Data))
		}
		img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
		for i, j := 0, 0; i < want; i, j = i+3, j+4 {
			img.Pix[j] = frame.Data[i+2]
			img.Pix[j+1] = frame.Data[i+1]
			img.Pix[j+2] = frame.Data[i]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported frame format %q", frame.Format)
	}
}

// EncodeJPEG returns the frame as JPEG bytes. JPEG frames are returned as is.
func EncodeJPEG(frame types.Frame, quality int) ([]byte, error) {
	if frame.Format == types.FormatJPEG {
		return frame.Data, nil
	}
	img, err := ToImage(frame)
	if err != nil {
		return nil, err
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeConfig reads the dimensions of a JPEG payload without decoding pixels
func DecodeConfig(data []byte) (width, height int, err error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
