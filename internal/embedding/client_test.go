package embedding

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDetectFaces(t *testing.T) {
	// Minimal valid PNG header so MIME sniffing kicks in.
	imageData := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parsing multipart form: %v", err)
		}
		if got := r.FormValue("model"); got != "Facenet512" {
			t.Errorf("model field = %q, want Facenet512", got)
		}
		if got := r.FormValue("detector"); got != "retinaface" {
			t.Errorf("detector field = %q, want retinaface", got)
		}
		if got := r.FormValue("align"); got != "true" {
			t.Errorf("align field = %q, want true", got)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("file part missing: %v", err)
		}
		defer file.Close()
		if ct := header.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("file content type = %q, want image/png", ct)
		}
		data, err := io.ReadAll(file)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != len(imageData) {
			t.Errorf("uploaded %d bytes, want %d", len(data), len(imageData))
		}

		json.NewEncoder(w).Encode(FaceResponse{
			FacesCount: 1,
			Faces: []Detection{{
				Dim:       4,
				Embedding: []float32{0.1, 0.2, 0.3, 0.4},
				DetScore:  0.98,
			}},
			Model:    "Facenet512",
			Detector: "retinaface",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "Facenet512", 5*time.Second)

	resp, err := client.DetectFaces(context.Background(), imageData, "retinaface")
	if err != nil {
		t.Fatalf("DetectFaces: %v", err)
	}
	if gotPath != "/embed/face" {
		t.Errorf("request path = %q, want /embed/face", gotPath)
	}
	if resp.FacesCount != 1 || len(resp.Faces) != 1 {
		t.Fatalf("response = %+v, want one face", resp)
	}
	if resp.Faces[0].DetScore != 0.98 || len(resp.Faces[0].Embedding) != 4 {
		t.Errorf("face = %+v", resp.Faces[0])
	}
}

func TestDetectFacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "Facenet512", 5*time.Second)
	if _, err := client.DetectFaces(context.Background(), []byte("img"), "retinaface"); err == nil {
		t.Fatal("DetectFaces returned nil error for a 500 response")
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"gif", []byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0, 0}, "image/gif"},
		{"webp", []byte{0x52, 0x49, 0x46, 0x46, 0, 0, 0, 0, 0x57, 0x45, 0x42, 0x50}, "image/webp"},
		{"unknown", []byte{1, 2, 3, 4, 5, 6, 7, 8}, "application/octet-stream"},
		{"too short", []byte{0xFF, 0xD8}, "application/octet-stream"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := detectMIMEType(tc.data); got != tc.want {
				t.Errorf("detectMIMEType = %q, want %q", got, tc.want)
			}
		})
	}
}
