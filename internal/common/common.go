package common

import "time"

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderContentDisp  = "Content-Disposition"
	ContentTypeJSON    = "application/json"
	ContentTypeAudio   = "audio/mpeg"
	ServiceName        = "podqueue"
	HealthStatusOK     = "healthy"
	DefaultArtifactExt = ".mp3"
)

// API paths
const (
	PathGenerateAsync = "/api/generate-async"
	PathStatus        = "/api/status"
	PathLibrary       = "/api/library"
	PathAudio         = "/api/audio"
	PathHealth        = "/api/health"
	PathReady         = "/api/ready"
	PathMetrics       = "/metrics"
)

// Worker loop timing and limits
const (
	DefaultIdleInterval   = 5 * time.Second
	DefaultErrorBackoff   = 10 * time.Second
	DefaultHeartbeatEvery = 12
	MaxErrorMessageLen    = 500
	DefaultLibraryLimit   = 100
	MaxLibraryLimit       = 500
	SQLiteBusyTimeoutMS   = 5000
)

// Artifact naming
const (
	ArtifactKeyPrefix = "podcast_"
	GeneratedDirName  = "generated"
	ArtifactsDirName  = "artifacts"
	FallbackTitle     = "Generated Podcast"
)

// Event subjects, appended to the configured prefix
const (
	EventSubmitted = "submitted"
	EventCompleted = "completed"
	EventFailed    = "failed"
)
