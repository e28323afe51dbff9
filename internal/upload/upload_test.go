package upload

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"proofline/internal/upload/uploadtest"
)

var proofLimits = Limits{MaxBytes: 1 << 20, AllowedTypes: []string{"application/pdf", "image/jpeg", "image/png"}}

func TestSpoolPDF(t *testing.T) {
	data := uploadtest.PDF(3)
	f, err := Spool(bytes.NewReader(data), "maquette.PDF", proofLimits)
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	defer f.Close()
	if f.ContentType != "application/pdf" {
		t.Fatalf("unexpected content type %s", f.ContentType)
	}
	if f.PageCount == nil || *f.PageCount != 3 {
		t.Fatalf("expected 3 pages, got %v", f.PageCount)
	}
	if f.Size != int64(len(data)) || f.Name != "maquette.PDF" {
		t.Fatalf("unexpected file meta %+v", f)
	}
	r, err := f.Reader()
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, data) {
		t.Fatalf("spooled content differs")
	}
}

func TestSpoolPNGFixesExtension(t *testing.T) {
	f, err := Spool(bytes.NewReader(uploadtest.PNG()), `C:\maquettes\logo.pdf`, proofLimits)
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	defer f.Close()
	if f.ContentType != "image/png" || f.Name != "logo.png" {
		t.Fatalf("unexpected %s %s", f.ContentType, f.Name)
	}
	if f.PageCount != nil {
		t.Fatalf("images have no page count")
	}
}

func TestSpoolRejections(t *testing.T) {
	cases := []struct {
		name       string
		body       []byte
		limits     Limits
		constraint string
	}{
		{"type", []byte("plain text, not a proof"), proofLimits, "content_type"},
		{"size", bytes.Repeat([]byte("x"), 2048), Limits{MaxBytes: 1024, AllowedTypes: proofLimits.AllowedTypes}, "max_bytes"},
		{"empty", nil, proofLimits, "empty"},
		{"pdf", []byte("%PDF-1.4\ngarbage without xref"), proofLimits, "pdf"},
	}
	for _, tc := range cases {
		_, err := Spool(bytes.NewReader(tc.body), "f", tc.limits)
		var rej *RejectedError
		if !errors.As(err, &rej) {
			t.Fatalf("%s: expected RejectedError, got %v", tc.name, err)
		}
		if rej.Constraint != tc.constraint {
			t.Fatalf("%s: expected constraint %s, got %s", tc.name, tc.constraint, rej.Constraint)
		}
	}
}

func TestSpoolRejectionMessageNamesLimit(t *testing.T) {
	_, err := Spool(strings.NewReader(strings.Repeat("x", 3<<20)), "big.pdf", Limits{MaxBytes: 2 << 20, AllowedTypes: proofLimits.AllowedTypes})
	if err == nil || !strings.Contains(err.Error(), "2 MB") {
		t.Fatalf("expected message naming the 2 MB limit, got %v", err)
	}
}
