// Package model implements the Model Catalog (a static-ish descriptor
// table) and the Model Manager (§4.4): the component that enforces "at
// most one model resident on the inference service at a time" and the
// sliding-window idle-unload timer.
package model

import (
	"database/sql"
	"time"
)

// DownloadStatus is the closed set of states a catalog entry's on-disk
// presence can be in.
type DownloadStatus string

const (
	DownloadNotDownloaded DownloadStatus = "not_downloaded"
	DownloadDownloading   DownloadStatus = "downloading"
	DownloadDownloaded    DownloadStatus = "downloaded"
)

// AssetKind mirrors artifact.Kind without importing the artifact package,
// since a model descriptor only needs to name which kind it produces.
type AssetKind string

const (
	AssetDepth AssetKind = "depth"
	AssetSplat AssetKind = "splat"
)

// Trigger names the provenance of a model load, which determines which
// idle-unload duration applies.
type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
)

// Entity is a models row: a catalog descriptor, not runtime state.
type Entity struct {
	ModelKey         string         `db:"model_key"`
	AssetKind        AssetKind      `db:"asset_kind"`
	DisplayName      string         `db:"display_name"`
	ParameterCount   sql.NullInt64  `db:"parameter_count"`
	VRAMEstimateMB   sql.NullInt64  `db:"vram_estimate_mb"`
	RepoID           sql.NullString `db:"repo_id"`
	DownloadStatus   DownloadStatus `db:"download_status"`
	DownloadProgress int            `db:"download_progress"`
	ByteSize         sql.NullInt64  `db:"byte_size"`
	DownloadedAt     sql.NullTime   `db:"downloaded_at"`
}

// RuntimeState is the Model Manager's in-memory, never-persisted state
// (§3 "Model runtime state").
type RuntimeState struct {
	CurrentModelKey string // "" means none resident
	LoadedAt        time.Time
	LastUsedAt      time.Time
	LoadTrigger     Trigger
}

// Snapshot is a read-only copy of RuntimeState safe to hand to callers
// outside the manager's actor loop.
type Snapshot struct {
	CurrentModelKey string
	Loaded          bool
	LoadedAt        time.Time
	LastUsedAt      time.Time
	LoadTrigger     Trigger
}
