package stream

import "testing"

func TestS3KeyRoundTrip(t *testing.T) {
	s := &S3Storage{prefix: "relay/media"}

	if got := s.key("video.mp4"); got != "relay/media/video.mp4" {
		t.Errorf("key = %q", got)
	}
	if got := s.stripKey("relay/media/video.mp4"); got != "video.mp4" {
		t.Errorf("stripKey = %q", got)
	}

	// A marker object named exactly like the prefix must not panic and
	// must not surface as a file.
	if got := s.stripKey("relay/media"); got != "" {
		t.Errorf("stripKey(prefix) = %q, want empty", got)
	}

	bare := &S3Storage{}
	if got := bare.key("video.mp4"); got != "video.mp4" {
		t.Errorf("unprefixed key = %q", got)
	}
	if got := bare.stripKey("video.mp4"); got != "video.mp4" {
		t.Errorf("unprefixed stripKey = %q", got)
	}
}
