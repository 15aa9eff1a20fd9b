package db

// Schema defines the SQLite database schema.
// artifacts indexes the local artifact cache; runs records every
// provisioning attempt and the workflow state it reached.
const Schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    name TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    md5 TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    integrity TEXT NOT NULL CHECK(integrity IN ('verified', 'unverified', 'mismatch')),
    fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    serial TEXT NOT NULL,
    rootfs TEXT NOT NULL,
    rootfs_blake3 TEXT,
    partition_percent INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
    exit_code INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_serial ON runs(serial);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Integrity constants
const (
	IntegrityVerified   = "verified"
	IntegrityUnverified = "unverified"
	IntegrityMismatch   = "mismatch"
)

// Run status constants
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ArtifactRecord represents a cached artifact
type ArtifactRecord struct {
	Name      string
	URL       string
	MD5       string
	Size      int64
	Integrity string
	FetchedAt string
}

// Run represents one provisioning attempt
type Run struct {
	ID               string
	Serial           string
	RootFS           string
	RootFSBlake3     string
	PartitionPercent int
	State            string
	Status           string
	ExitCode         int
	ErrorMessage     string
	CreatedAt        string
	UpdatedAt        string
}
