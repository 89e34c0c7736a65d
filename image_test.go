package nsfw

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestImageTensor(t *testing.T) {
	tensor := ImageTensor(solidImage(64, 48, color.RGBA{R: 255, G: 0, B: 255, A: 255}))

	if err := tensor.Validate(); err != nil {
		t.Fatalf("Invalid tensor: %v", err)
	}
	for i, d := range DefaultInputShape {
		if tensor.Shape[i] != d {
			t.Fatalf("Expected shape %v, got %v", DefaultInputShape, tensor.Shape)
		}
	}

	plane := imageSize * imageSize
	wantR := (1 - imageMean[0]) / imageStd[0]
	wantG := (0 - imageMean[1]) / imageStd[1]
	wantB := (1 - imageMean[2]) / imageStd[2]
	for _, i := range []int{0, plane / 2, plane - 1} {
		if !almostEqual(float64(tensor.Data[i]), float64(wantR), 1e-4) {
			t.Errorf("R[%d] = %f, want %f", i, tensor.Data[i], wantR)
		}
		if !almostEqual(float64(tensor.Data[plane+i]), float64(wantG), 1e-4) {
			t.Errorf("G[%d] = %f, want %f", i, tensor.Data[plane+i], wantG)
		}
		if !almostEqual(float64(tensor.Data[2*plane+i]), float64(wantB), 1e-4) {
			t.Errorf("B[%d] = %f, want %f", i, tensor.Data[2*plane+i], wantB)
		}
	}
}

func TestDecodeImageTensor(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(8, 8, color.White)); err != nil {
		t.Fatal(err)
	}
	tensor, err := DecodeImageTensor(&buf)
	if err != nil {
		t.Fatalf("DecodeImageTensor failed: %v", err)
	}
	if tensor.Elements() != 3*imageSize*imageSize {
		t.Errorf("Unexpected element count %d", tensor.Elements())
	}

	if _, err := DecodeImageTensor(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Error("Expected decode error")
	}
}
