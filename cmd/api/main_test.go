package main

import (
	"testing"

	"github.com/mwork/depth-orchestrator/internal/config"
)

func TestNewArtifactStorage_DefaultsToLocal(t *testing.T) {
	cfg := &config.Config{ArtifactStorageType: "", ArtifactDir: t.TempDir()}
	store, err := newArtifactStorage(cfg)
	if err != nil {
		t.Fatalf("newArtifactStorage: %v", err)
	}
	if store == nil {
		t.Fatal("expected a non-nil local storage backend")
	}
}

func TestNewArtifactStorage_ExplicitLocal(t *testing.T) {
	cfg := &config.Config{ArtifactStorageType: "local", ArtifactDir: t.TempDir()}
	store, err := newArtifactStorage(cfg)
	if err != nil {
		t.Fatalf("newArtifactStorage: %v", err)
	}
	if store == nil {
		t.Fatal("expected a non-nil local storage backend")
	}
}

func TestNewArtifactStorage_R2BuildsWithoutNetworkCall(t *testing.T) {
	cfg := &config.Config{
		ArtifactStorageType: "r2",
		R2AccountID:         "acct",
		R2AccessKeyID:       "key",
		R2AccessKeySecret:   "secret",
		R2BucketName:        "bucket",
		R2PublicURL:         "https://cdn.example.com",
	}
	store, err := newArtifactStorage(cfg)
	if err != nil {
		t.Fatalf("newArtifactStorage: %v", err)
	}
	if store == nil {
		t.Fatal("expected a non-nil r2 storage backend")
	}
}
