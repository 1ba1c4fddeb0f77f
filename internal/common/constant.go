package common

// Header names carried by transcoder callbacks. Any state-mutating callback
// must present both.
const (
	SignatureHeaderName = "X-ECS-Signature"
	TimestampHeaderName = "X-ECS-Timestamp"
)

// Storage-key prefixes. A video's key starts under RawKeyPrefix and is
// rewritten to a ProcessedKeyPrefix base path once transcoding completes.
const (
	RawKeyPrefix       = "raw-videos/"
	ProcessedKeyPrefix = "processed-videos/"
)
