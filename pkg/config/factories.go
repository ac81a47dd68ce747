package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mitchellh/mapstructure"

	"github.com/driftfs/driftfs/pkg/cache"
	"github.com/driftfs/driftfs/pkg/cloud"
	cloudmem "github.com/driftfs/driftfs/pkg/cloud/memory"
	clouds3 "github.com/driftfs/driftfs/pkg/cloud/s3"
	"github.com/driftfs/driftfs/pkg/content"
	"github.com/driftfs/driftfs/pkg/content/crypto"
	contentfs "github.com/driftfs/driftfs/pkg/content/fs"
	contentmem "github.com/driftfs/driftfs/pkg/content/memory"
	"github.com/driftfs/driftfs/pkg/gc"
	"github.com/driftfs/driftfs/pkg/metadata"
	metabadger "github.com/driftfs/driftfs/pkg/metadata/badger"
	metamem "github.com/driftfs/driftfs/pkg/metadata/memory"
	"github.com/driftfs/driftfs/pkg/syncer"
)

// decodeOptions maps a backend's free-form option map onto its typed
// config struct.
func decodeOptions(options map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build options decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode backend options: %w", err)
	}
	return nil
}

// NewMetadataStore builds the configured metadata store. The Badger
// database defaults to <storage>/meta unless options override db_path.
func NewMetadataStore(ctx context.Context, cfg *Config) (metadata.MetadataStore, error) {
	switch cfg.Metadata.Backend {
	case "badger":
		storeCfg := metabadger.BadgerMetadataStoreConfig{
			DBPath: filepath.Join(cfg.Mount.Storage, "meta"),
		}
		if err := decodeOptions(cfg.Metadata.Options, &storeCfg); err != nil {
			return nil, err
		}
		return metabadger.NewBadgerMetadataStore(ctx, storeCfg)

	case "memory":
		return metamem.NewMemoryMetadataStore(), nil

	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
	}
}

// NewBlobStore builds the configured blob store, wiring in the encryption
// transform when enabled. The filesystem store defaults to
// <storage>/blobs unless options override root.
func NewBlobStore(cfg *Config) (content.BlobStore, error) {
	var transform content.Transform
	if cfg.Content.Encryption.Enabled {
		t, err := crypto.NewAESTransform(cfg.Content.Encryption.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize encryption: %w", err)
		}
		transform = t
	}

	switch cfg.Content.Backend {
	case "filesystem":
		storeCfg := contentfs.FSBlobStoreConfig{
			Root:      filepath.Join(cfg.Mount.Storage, "blobs"),
			Transform: transform,
		}
		if err := decodeOptions(cfg.Content.Options, &storeCfg); err != nil {
			return nil, err
		}
		storeCfg.Transform = transform
		return contentfs.NewFSBlobStore(storeCfg)

	case "memory":
		return contentmem.NewMemoryBlobStore(), nil

	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.Content.Backend)
	}
}

// NewCache builds the content cache, or returns nil when disabled.
func NewCache(cfg *Config) *cache.LFUCache {
	if !cfg.Cache.Enabled {
		return nil
	}
	return cache.New(cache.Config{
		MaxBytes:   uint64(cfg.Cache.MaxSizeMB) << 20,
		MaxEntries: cfg.Cache.MaxEntries,
	})
}

// NewCloudClient builds the configured remote client, or returns nil for
// the "none" backend.
func NewCloudClient(ctx context.Context, cfg *Config) (cloud.Client, error) {
	switch cfg.Cloud.Backend {
	case "s3":
		clientCfg := clouds3.S3ClientConfig{}
		if err := decodeOptions(cfg.Cloud.Options, &clientCfg); err != nil {
			return nil, err
		}
		return clouds3.NewS3Client(ctx, clientCfg)

	case "memory":
		return cloudmem.NewMemoryClient(), nil

	case "none":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown cloud backend %q", cfg.Cloud.Backend)
	}
}

// NewSyncCoordinator builds the sync coordinator, or returns nil when
// replication is disabled.
func NewSyncCoordinator(cfg *Config, meta metadata.MetadataStore, blobs content.BlobStore, remote cloud.Client) *syncer.Coordinator {
	if !cfg.Sync.Enabled || remote == nil {
		return nil
	}
	return syncer.NewCoordinator(syncer.Config{
		Workers:       cfg.Sync.Workers,
		MaxRetries:    cfg.Sync.MaxRetries,
		RetryInterval: cfg.Sync.RetryInterval,
		Policy:        syncer.ConflictPolicy(cfg.Sync.ConflictPolicy),
	}, meta, blobs, remote)
}

// NewCollector builds the garbage collector.
func NewCollector(cfg *Config, meta metadata.MetadataStore, blobs content.BlobStore) *gc.Collector {
	return gc.NewCollector(gc.Config{
		Interval: cfg.GC.Interval,
		DryRun:   cfg.GC.DryRun,
	}, meta, blobs)
}
