package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalPutAndURL(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocal(root, "http://localhost:8080/assets/")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}

	if err := s.Put(context.Background(), "assets/a1/model.glb", strings.NewReader("glTF"), 4, "model/gltf-binary"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "assets", "a1", "model.glb"))
	if err != nil {
		t.Fatalf("failed to read stored file: %v", err)
	}
	if string(data) != "glTF" {
		t.Fatalf("unexpected content: %q", data)
	}
	if got := s.URL("assets/a1/model.glb"); got != "http://localhost:8080/assets/assets/a1/model.glb" {
		t.Fatalf("URL = %q", got)
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	s, err := NewLocal(t.TempDir(), "http://localhost")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	for _, key := range []string{"", "  ", "../outside", "/"} {
		err := s.Put(context.Background(), key, strings.NewReader("x"), 1, "")
		if !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestCleanKeyNormalizes(t *testing.T) {
	got, err := cleanKey("/a//b/./c.glb")
	if err != nil {
		t.Fatalf("cleanKey returned error: %v", err)
	}
	if got != "a/b/c.glb" {
		t.Fatalf("cleanKey = %q", got)
	}
}

func TestNewMinIODefaultBaseURL(t *testing.T) {
	s, err := NewMinIO(MinIOOptions{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "assets",
	})
	if err != nil {
		t.Fatalf("NewMinIO returned error: %v", err)
	}
	if got := s.URL("a/model.glb"); got != "http://localhost:9000/assets/a/model.glb" {
		t.Fatalf("URL = %q", got)
	}
}
