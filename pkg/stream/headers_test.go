package stream

import (
	"net/http"
	"testing"
)

func TestMetadataHeaderRoundTrip(t *testing.T) {
	meta := Metadata{
		FileName:         "my video (final).mp4",
		UserID:           "u1",
		IsLast:           true,
		ChunkIndex:       42,
		TotalSize:        1 << 20,
		LeaderURL:        "http://leader:8080",
		SourceInstanceID: "inst-1",
		ChatID:           100,
		MsgID:            5,
	}

	h := http.Header{}
	meta.Apply(h, "secret")

	if got := h.Get(HeaderInstanceSecret); got != "secret" {
		t.Errorf("secret header wrong: %q", got)
	}
	// The file name travels URL-encoded.
	if got := h.Get(HeaderFileName); got == meta.FileName {
		t.Errorf("file name not encoded: %q", got)
	}

	parsed, err := ParseMetadata(h)
	if err != nil {
		t.Fatalf("ParseMetadata failed: %v", err)
	}
	if parsed != meta {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", parsed, meta)
	}
}

func TestParseMetadataErrors(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderFileName, "a.mp4")
	if _, err := ParseMetadata(h); err == nil {
		t.Error("missing chunk index accepted")
	}

	h.Set(HeaderChunkIndex, "not-a-number")
	if _, err := ParseMetadata(h); err == nil {
		t.Error("garbage chunk index accepted")
	}

	h.Set(HeaderChunkIndex, "0")
	h.Set(HeaderFileName, "%zz")
	if _, err := ParseMetadata(h); err == nil {
		t.Error("broken encoding accepted")
	}
}

func TestParseMetadataOptionalFields(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderFileName, "a.mp4")
	h.Set(HeaderChunkIndex, "3")

	meta, err := ParseMetadata(h)
	if err != nil {
		t.Fatalf("ParseMetadata failed: %v", err)
	}
	if meta.TotalSize != 0 || meta.ChatID != 0 || meta.IsLast {
		t.Errorf("absent optional fields not zero: %+v", meta)
	}
	if meta.ChunkIndex != 3 || meta.FileName != "a.mp4" {
		t.Errorf("required fields wrong: %+v", meta)
	}
}
