package camera

import (
	"errors"
	"image/color"
	"testing"

	"github.com/linesight/inspectd/internal/testutil"
)

func TestConvertFrameBGR8(t *testing.T) {
	raw := &RawResult{
		// One pixel: B=1 G=2 R=3.
		Pixels: []byte{1, 2, 3},
		Width:  1,
		Height: 1,
		Format: FormatBGR8,
	}
	img, err := ConvertFrame(raw)
	if err != nil {
		t.Fatalf("ConvertFrame: %v", err)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{3, 2, 1, 255}) {
		t.Errorf("pixel = %v, want {3 2 1 255}", got)
	}
}

func TestConvertFrameMono8(t *testing.T) {
	raw := &RawResult{
		Pixels: []byte{0, 128, 255, 64},
		Width:  2,
		Height: 2,
		Format: FormatMono8,
	}
	img, err := ConvertFrame(raw)
	if err != nil {
		t.Fatalf("ConvertFrame: %v", err)
	}
	if got := img.RGBAAt(1, 0); got != (color.RGBA{128, 128, 128, 255}) {
		t.Errorf("pixel = %v, want gray 128", got)
	}
}

func TestConvertFrameRejectsShortBuffer(t *testing.T) {
	raw := &RawResult{Pixels: []byte{1, 2}, Width: 2, Height: 2, Format: FormatBGR8}
	if _, err := ConvertFrame(raw); !errors.Is(err, ErrCaptureFailed) {
		t.Errorf("err = %v, want ErrCaptureFailed", err)
	}
}

func TestConvertFrameRejectsNil(t *testing.T) {
	if _, err := ConvertFrame(nil); !errors.Is(err, ErrCaptureFailed) {
		t.Errorf("err = %v, want ErrCaptureFailed", err)
	}
}

func TestRawFromImageRoundTrip(t *testing.T) {
	src := testutil.SolidImage(3, 2, color.RGBA{200, 100, 50, 255})
	img, err := ConvertFrame(RawFromImage(src))
	if err != nil {
		t.Fatalf("ConvertFrame: %v", err)
	}
	if got := img.RGBAAt(2, 1); got != (color.RGBA{200, 100, 50, 255}) {
		t.Errorf("pixel = %v, want {200 100 50 255}", got)
	}
}

func TestParseTriggerMode(t *testing.T) {
	cases := []struct {
		in      string
		want    TriggerMode
		wantErr bool
	}{
		{"continuous", Continuous, false},
		{"software", SoftwareTriggered, false},
		{"software_trigger", SoftwareTriggered, false},
		{"hardware", Continuous, true},
		{"", Continuous, true},
	}
	for _, tc := range cases {
		got, err := ParseTriggerMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseTriggerMode(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseTriggerMode(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCapabilityHas(t *testing.T) {
	caps := CapExposure | CapROI
	if !caps.Has(CapExposure) {
		t.Error("Has(CapExposure) = false")
	}
	if caps.Has(CapGain) {
		t.Error("Has(CapGain) = true")
	}
	if !caps.Has(CapExposure | CapROI) {
		t.Error("Has(CapExposure|CapROI) = false")
	}
}
