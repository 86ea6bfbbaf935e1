package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestAttachmentKey(t *testing.T) {
	key, err := attachmentKey("go-help", "image/png", 1024)
	if err != nil {
		t.Fatalf("attachment key: %v", err)
	}
	if !strings.HasPrefix(key, "rooms/go-help/") || !strings.HasSuffix(key, ".png") {
		t.Fatalf("key = %q", key)
	}

	other, _ := attachmentKey("go-help", "image/png", 1024)
	if other == key {
		t.Fatalf("keys must be unique per upload")
	}
}

func TestAttachmentKeyValidation(t *testing.T) {
	if _, err := attachmentKey("", "image/png", 10); err == nil {
		t.Fatalf("expected room key error")
	}
	if _, err := attachmentKey("r", "text/html", 10); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("content type error = %v", err)
	}
	if _, err := attachmentKey("r", "image/png", 0); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("zero size error = %v", err)
	}
	if _, err := attachmentKey("r", "image/png", MaxAttachmentSize+1); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversize error = %v", err)
	}
	if _, err := attachmentKey("r", "IMAGE/JPEG", 10); err != nil {
		t.Fatalf("content type should be case-insensitive: %v", err)
	}
}
