package imaging

import (
	"testing"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

func bgrFrame(w, h int, b, g, r byte) types.Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = b, g, r
	}
	return types.Frame{Width: w, Height: h, Format: types.FormatBGR24, Data: data}
}

// TestToImageSwapsChannels verifies BGR bytes end up in RGB order.
func TestToImageSwapsChannels(t *testing.T) {
	img, err := ToImage(bgrFrame(2, 2, 10, 20, 30))
	if err != nil {
		t.Fatalf("ToImage failed: %v", err)
	}
	r, g, b, a := img.At(1, 1).RGBA()
	if r>>8 != 30 || g>>8 != 20 || b>>8 != 10 || a>>8 != 0xff {
		t.Errorf("Unexpected pixel r=%d g=%d b=%d a=%d", r>>8, g>>8, b>>8, a>>8)
	}
}

// TestToImageShortBuffer verifies truncated frames are rejected.
func TestToImageShortBuffer(t *testing.T) {
	f := bgrFrame(4, 4, 0, 0, 0)
	f.Data = f.Data[:10]
	if _, err := ToImage(f); err == nil {
		t.Fatal("Expected error for short buffer")
	}
}

// TestEncodeJPEG verifies encoding keeps dimensions and JPEG frames pass through.
func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(bgrFrame(16, 8, 0, 128, 255), 0)
	if err != nil {
		t.Fatalf("EncodeJPEG failed: %v", err)
	}
	w, h, err := DecodeConfig(data)
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	if w != 16 || h != 8 {
		t.Errorf("Expected 16x8, got %dx%d", w, h)
	}

	jpegFrame := types.Frame{Format: types.FormatJPEG, Data: data}
	again, err := EncodeJPEG(jpegFrame, 90)
	if err != nil {
		t.Fatalf("EncodeJPEG on jpeg frame failed: %v", err)
	}
	if len(again) != len(data) {
		t.Error("Expected jpeg frame to pass through unchanged")
	}
}
