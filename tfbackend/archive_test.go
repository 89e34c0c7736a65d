package tfbackend

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		f.Write([]byte(body))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnpackFindsSavedModel(t *testing.T) {
	dir := t.TempDir()
	data := zipArchive(t, map[string]string{
		"export/nsfw/saved_model.pb":                          "pb",
		"export/nsfw/variables/variables.index":               "idx",
		"export/nsfw/variables/variables.data-00000-of-00001": "data",
	})

	modelDir, err := unpack(data, dir)
	if err != nil {
		t.Fatalf("unpack failed: %v", err)
	}
	if modelDir != filepath.Join(dir, "export", "nsfw") {
		t.Errorf("Unexpected model dir %s", modelDir)
	}
}

func TestUnpackErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		msg  string
	}{
		{name: "not a zip", data: []byte("onnx bytes"), msg: "not a zip"},
		{name: "no saved model", data: zipArchive(t, map[string]string{"model.onnx": "x"}), msg: "does not contain"},
		{name: "zip slip", data: zipArchive(t, map[string]string{"../evil/saved_model.pb": "x"}), msg: "illegal path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unpack(tt.data, t.TempDir())
			if err == nil || !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("Expected error containing %q, got %v", tt.msg, err)
			}
		})
	}
}

func TestToNHWC(t *testing.T) {
	// 1x2x1x2: channel 0 = [1 2], channel 1 = [3 4]
	shape, data := toNHWC([]int64{1, 2, 1, 2}, []float32{1, 2, 3, 4})
	if shape[1] != 1 || shape[2] != 2 || shape[3] != 2 {
		t.Fatalf("Unexpected shape %v", shape)
	}
	want := []float32{1, 3, 2, 4}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, data)
		}
	}
}
