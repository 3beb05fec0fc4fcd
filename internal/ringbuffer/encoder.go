package ringbuffer

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/imaging"
)

// Encoder turns extracted frames into a clip artifact
type Encoder interface {
	Encode(frames []Entry, fps int) ([]byte, error)
	ContentType() string
	Extension() string
}

// NewEncoder returns the encoder registered under name
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case "", "mjpeg":
		return MJPEGEncoder{Quality: imaging.DefaultQuality}, nil
	case "msgpack":
		return MsgpackEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown clip encoder %q", name)
	}
}

// MJPEGEncoder concatenates JPEG images into a raw Motion-JPEG stream, which
// common players open with an mjpeg demuxer
type MJPEGEncoder struct {
	Quality int
}

// Encode implements Encoder
func (e MJPEGEncoder) Encode(frames []Entry, _ int) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range frames {
		img, err := imaging.EncodeJPEG(f.Frame, e.Quality)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", f.Frame.Seq, err)
		}
		buf.Write(img)
	}
	return buf.Bytes(), nil
}

// ContentType implements Encoder
func (MJPEGEncoder) ContentType() string { return "video/x-motion-jpeg" }

// Extension implements Encoder
func (MJPEGEncoder) Extension() string { return "mjpeg" }

// clipContainer is the msgpack clip layout
type clipContainer struct {
	FPS    int         `msgpack:"fps"`
	Start  float64     `msgpack:"start"`
	End    float64     `msgpack:"end"`
	Frames []clipFrame `msgpack:"frames"`
}

type clipFrame struct {
	Seq       uint64  `msgpack:"seq"`
	Timestamp float64 `msgpack:"ts"`
	Width     int     `msgpack:"width"`
	Height    int     `msgpack:"height"`
	Format    string  `msgpack:"format"`
	Data      []byte  `msgpack:"data"`
}

// MsgpackEncoder stores the raw frames losslessly in a msgpack container
type MsgpackEncoder struct{}

// Encode implements Encoder
func (MsgpackEncoder) Encode(frames []Entry, fps int) ([]byte, error) {
	c := clipContainer{FPS: fps, Frames: make([]clipFrame, 0, len(frames))}
	if len(frames) > 0 {
		c.Start = frames[0].Timestamp
		c.End = frames[len(frames)-1].Timestamp
	}
	for _, f := range frames {
		c.Frames = append(c.Frames, clipFrame{
			Seq:       f.Frame.Seq,
			Timestamp: f.Timestamp,
			Width:     f.Frame.Width,
			Height:    f.Frame.Height,
			Format:    f.Frame.Format,
			Data:      f.Frame.Data,
		})
	}
	return msgpack.Marshal(&c)
}

// ContentType implements Encoder
func (MsgpackEncoder) ContentType() string { return "application/x-msgpack" }

// Extension implements Encoder
func (MsgpackEncoder) Extension() string { return "msgpack" }

// DecodeMsgpackClip returns the timestamps stored in a msgpack clip
func DecodeMsgpackClip(data []byte) (fps int, timestamps []float64, err error) {
	var c clipContainer
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return 0, nil, err
	}
	for _, f := range c.Frames {
		timestamps = append(timestamps, f.Timestamp)
	}
	return c.FPS, timestamps, nil
}
