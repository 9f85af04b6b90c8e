package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" || ContentTypeAudio != "audio/mpeg" {
		t.Fatalf("content types mismatch: %q, %q", ContentTypeJSON, ContentTypeAudio)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if PathGenerateAsync != "/api/generate-async" || PathHealth != "/api/health" {
		t.Fatalf("paths mismatch: %q, %q", PathGenerateAsync, PathHealth)
	}
	if DefaultIdleInterval <= 0 || DefaultErrorBackoff <= DefaultIdleInterval {
		t.Fatalf("loop timings should be positive with backoff above idle")
	}
	if MaxErrorMessageLen != 500 {
		t.Fatalf("MaxErrorMessageLen = %d", MaxErrorMessageLen)
	}
	if DefaultLibraryLimit <= 0 || MaxLibraryLimit < DefaultLibraryLimit {
		t.Fatalf("library limits inconsistent")
	}
	if EventSubmitted == "" || EventCompleted == "" || EventFailed == "" {
		t.Fatalf("event names should be non-empty")
	}
}
