package ipc

import (
	"time"

	"kiln/internal/workspace"
)

// ServiceName is the net/rpc service the daemon registers.
const ServiceName = "Kiln"

// StatusRequest carries no parameters.
type StatusRequest struct{}

// StatusResponse reports daemon state.
type StatusResponse struct {
	Running            bool      `json:"running"`
	PID                int       `json:"pid"`
	Root               string    `json:"root"`
	Socket             string    `json:"socket"`
	LockPath           string    `json:"lock_path"`
	LogPath            string    `json:"log_path"`
	HashDBPath         string    `json:"hash_db_path"`
	Packages           int       `json:"packages"`
	TrackedFiles       int       `json:"tracked_files"`
	StoredFiles        int       `json:"stored_files"`
	Shards             int       `json:"shards"`
	StartedAt          time.Time `json:"started_at"`
	LastActivity       time.Time `json:"last_activity"`
	IdleTimeoutSeconds int64     `json:"idle_timeout_seconds"`
}

// PackageGraphRequest carries no parameters.
type PackageGraphRequest struct{}

// PackageGraphResponse is shared by GetPackageGraph and DiscoverPackages.
type PackageGraphResponse struct {
	Graph workspace.Snapshot `json:"graph"`
}

// FileChangesRequest lists repo-relative paths that changed.
type FileChangesRequest struct {
	Paths []string `json:"paths"`
}

// FileChangesResponse reports what the daemon invalidated.
type FileChangesResponse struct {
	Invalidated  int  `json:"invalidated"`
	Rediscovered bool `json:"rediscovered"`
}

// FileHashesRequest lists repo-relative paths to digest.
type FileHashesRequest struct {
	Paths []string `json:"paths"`
}

// FileHashesResponse maps each existing path to its sha256. Paths that do not
// exist are listed in Missing.
type FileHashesResponse struct {
	Hashes  map[string]string `json:"hashes"`
	Missing []string          `json:"missing,omitempty"`
}

// ShutdownRequest carries no parameters.
type ShutdownRequest struct{}

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct {
	Stopping bool `json:"stopping"`
}
