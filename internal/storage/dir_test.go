package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirPutAndOpen(t *testing.T) {
	ctx := context.Background()
	d := Dir{Root: t.TempDir()}
	body := "%PDF-1.4 test"
	if err := d.Put(ctx, "proofs/o1/p1/file.pdf", strings.NewReader(body), int64(len(body)), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(d.Root, "proofs", "o1", "p1", "file.pdf"))
	if err != nil || string(data) != body {
		t.Fatalf("unexpected stored content %q err=%v", data, err)
	}
	u, err := d.URL(ctx, "proofs/o1/p1/file.pdf")
	if err != nil || u != "" {
		t.Fatalf("dir bucket must not expose a url, got %q err=%v", u, err)
	}
	rc, err := d.Open(ctx, "proofs/o1/p1/file.pdf")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != body {
		t.Fatalf("unexpected opened content %q", got)
	}
	if _, err := d.Open(ctx, "proofs/o1/p1/missing.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDirAcceptsDotsInsideNames(t *testing.T) {
	ctx := context.Background()
	d := Dir{Root: t.TempDir()}
	if err := d.Put(ctx, "proofs/o1/p1/logo..final.pdf", strings.NewReader("x"), 1, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.Root, "proofs", "o1", "p1", "logo..final.pdf")); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
}

func TestDirNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	d := Dir{Root: t.TempDir()}
	if err := d.Put(ctx, "k", strings.NewReader("a"), 1, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := d.Put(ctx, "k", strings.NewReader("b"), 1, "image/png"); err == nil {
		t.Fatalf("expected overwrite to fail")
	}
}

func TestDirRejectsTraversal(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	for _, key := range []string{"../escape", "proofs/../../escape", `proofs\..\escape`, ""} {
		if err := d.Put(context.Background(), key, strings.NewReader("x"), 1, "image/png"); err == nil {
			t.Fatalf("%q: expected traversal rejection", key)
		}
	}
}

func TestDirSizeMismatch(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	if err := d.Put(context.Background(), "short", strings.NewReader("abc"), 10, "image/png"); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if _, err := os.Stat(filepath.Join(d.Root, "short")); !os.IsNotExist(err) {
		t.Fatalf("partial object must not remain")
	}
}

func TestMinIOConstructs(t *testing.T) {
	s, err := NewMinIO(MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "proofs", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	u, err := s.URL(context.Background(), "proofs/o1/p1/file.pdf")
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(u, "X-Amz-Signature") {
		t.Fatalf("expected presigned url, got %s", u)
	}
}
