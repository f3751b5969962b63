package cas

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLayoutPathSharding(t *testing.T) {
	layout := Layout{Root: "/data"}
	hash := "d41d8cd98f00b204e9800998ecf8427e"

	got := layout.Path(hash)
	want := filepath.Join("/data", "d4", "1", hash)
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if layout.TempPath(hash) != want+".tmp" {
		t.Fatalf("unexpected temp path %s", layout.TempPath(hash))
	}
}

func TestValidHash(t *testing.T) {
	cases := map[string]bool{
		EmptyHash:                          true,
		"D41D8CD98F00B204E9800998ECF8427E": false,
		"d41d8cd98f00b204e9800998ecf8427":  false,
		"z41d8cd98f00b204e9800998ecf8427e": false,
		"":                                 false,
	}
	for input, expected := range cases {
		if ValidHash(input) != expected {
			t.Fatalf("ValidHash(%q) should be %v", input, expected)
		}
	}
	if !ValidHash(NormalizeHash(" D41D8CD98F00B204E9800998ECF8427E ")) {
		t.Fatalf("normalized hash should be valid")
	}
}

func TestHashHelpersAgree(t *testing.T) {
	payload := "castor payload"
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	fileHash, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash file error: %v", err)
	}
	if fileHash != HashString(payload) {
		t.Fatalf("hash mismatch: %s != %s", fileHash, HashString(payload))
	}
	if size != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", size)
	}
	if HashString("") != EmptyHash {
		t.Fatalf("empty hash constant mismatch")
	}
}

func TestLayoutPutPublishesAtCanonicalPath(t *testing.T) {
	layout := newTestLayout(t)
	payload := []byte("payload")

	hash, created, err := layout.PutBytes(context.Background(), payload)
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if !created {
		t.Fatalf("first put should create the blob")
	}
	body, err := os.ReadFile(layout.Path(hash))
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("payload mismatch: %s", string(body))
	}

	_, created, err = layout.PutBytes(context.Background(), payload)
	if err != nil {
		t.Fatalf("second put error: %v", err)
	}
	if created {
		t.Fatalf("second put should reuse the existing blob")
	}

	entries, err := os.ReadDir(layout.Root)
	if err != nil {
		t.Fatalf("readdir error: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), TempSuffix) {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestLayoutPutHonoursCancellation(t *testing.T) {
	layout := newTestLayout(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := layout.PutBytes(ctx, []byte("data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &StatusError{StatusCode: 404, URL: "http://x/y"}
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("StatusError should match ErrBadStatus")
	}
	if !strings.Contains(err.Error(), "'404'") {
		t.Fatalf("status code missing from %q", err.Error())
	}

	err = &CorruptedError{Expected: "a", Actual: "b"}
	if !errors.Is(err, ErrCorrupted) || errors.Is(err, ErrBadStatus) {
		t.Fatalf("CorruptedError should only match ErrCorrupted")
	}
}

func newTestLayout(t *testing.T) Layout {
	t.Helper()
	layout, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create layout: %v", err)
	}
	return layout
}
