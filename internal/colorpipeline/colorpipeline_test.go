package colorpipeline

import (
	"math"
	"testing"

	"github.com/pspoerri/imagecache/internal/imageio"
)

func TestConvertNoopWhenSpacesMatch(t *testing.T) {
	buf := []byte{10, 20, 30, 40}
	c := New()
	if err := c.Convert(buf, imageio.TypeUint8, 4, "srgb", "srgb"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := []byte{10, 20, 30, 40}
	for i := range buf {
		if buf[i] != want[i] {
			t.Errorf("byte %d = %d, want unchanged %d", i, buf[i], want[i])
		}
	}
}

func TestConvertUnknownColorspaceErrors(t *testing.T) {
	c := New()
	buf := make([]byte, 3)
	if err := c.Convert(buf, imageio.TypeUint8, 3, "nonsense", "linear"); err == nil {
		t.Error("Convert with an unknown source colorspace should error")
	}
	if err := c.Convert(buf, imageio.TypeUint8, 3, "linear", "nonsense"); err == nil {
		t.Error("Convert with an unknown destination colorspace should error")
	}
}

func TestConvertMisalignedBufferErrors(t *testing.T) {
	c := New()
	buf := make([]byte, 5) // not a multiple of 3 channels * 1 byte
	if err := c.Convert(buf, imageio.TypeUint8, 3, "srgb", "linear"); err == nil {
		t.Error("Convert should reject a buffer length that isn't a multiple of the pixel size")
	}
}

func TestConvertSRGBRoundTrip(t *testing.T) {
	c := New()
	buf := []byte{200, 100, 50}
	orig := append([]byte(nil), buf...)

	if err := c.Convert(buf, imageio.TypeUint8, 3, "srgb", "linear"); err != nil {
		t.Fatalf("srgb->linear: %v", err)
	}
	if err := c.Convert(buf, imageio.TypeUint8, 3, "linear", "srgb"); err != nil {
		t.Fatalf("linear->srgb: %v", err)
	}
	for i := range buf {
		diff := int(buf[i]) - int(orig[i])
		if diff < -2 || diff > 2 {
			t.Errorf("channel %d round-tripped to %d, want close to %d", i, buf[i], orig[i])
		}
	}
}

func TestTerrariumRoundTrip(t *testing.T) {
	c := New()
	// A mid-range Terrarium-encoded elevation sample. The "linear" form is a
	// single normalized elevation per pixel, which needs more precision than
	// one byte holds, so the samples are carried as float32.
	orig := []float64{128, 10, 200}
	buf := make([]byte, 3*4)
	for i, v := range orig {
		writeSample(buf[i*4:], imageio.TypeFloat32, v/255.0)
	}

	if err := c.Convert(buf, imageio.TypeFloat32, 3, "terrarium", "linear"); err != nil {
		t.Fatalf("terrarium->linear: %v", err)
	}
	if err := c.Convert(buf, imageio.TypeFloat32, 3, "linear", "terrarium"); err != nil {
		t.Fatalf("linear->terrarium: %v", err)
	}
	for i := range orig {
		got := math.Round(readSample(buf[i*4:], imageio.TypeFloat32) * 255.0)
		diff := got - orig[i]
		if diff < -2 || diff > 2 {
			t.Errorf("channel %d round-tripped to %v, want close to %v", i, got, orig[i])
		}
	}
}

func TestTerrariumZeroElevation(t *testing.T) {
	// Per the teacher's encoding, elevation 0 maps to R=128, G=0, B=0
	// (value = 32768 = 128*256).
	norm := 32768.0 / 65535.996
	rgb := linearToTerrarium(norm, norm, norm)
	gotR := math.Round(rgb[0] * 255.0)
	gotG := math.Round(rgb[1] * 255.0)
	gotB := math.Round(rgb[2] * 255.0)
	if gotR != 128 || gotG != 0 || gotB != 0 {
		t.Errorf("zero-elevation encoding = (%v,%v,%v), want (128,0,0)", gotR, gotG, gotB)
	}
}
