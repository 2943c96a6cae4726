package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON = "application/json"
	ContentTypePDF  = "application/pdf"
)

// API paths
const (
	PathHealthz     = "/healthz"
	PathEvaluations = "/v1/evaluations"
)

// Defaults and limits
const (
	DefaultMaxConcurrentJobs = 3
	DefaultMaxRetries        = 3
	SQLiteBusyTimeoutMS      = 5000
)

// Storage backend names
const (
	StorageBackendFile   = "file"
	StorageBackendSQLite = "sqlite"
)

// Subdirectory names
const (
	JobsDirName = "jobs"
)
