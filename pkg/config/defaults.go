package config

import "github.com/spf13/viper"

// setDefaults registers the built-in defaults. Anything a file, the
// environment, or a flag sets wins over these.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mount.path", "")
	v.SetDefault("mount.storage", "")
	v.SetDefault("mount.foreground", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size_mb", 256)
	v.SetDefault("cache.max_entries", 4096)

	// Off by default: enabling replication requires choosing a cloud
	// backend, and the validator enforces the pairing.
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_interval", "500ms")
	v.SetDefault("sync.conflict_policy", "last_writer_wins")

	v.SetDefault("metadata.backend", "badger")
	v.SetDefault("content.backend", "filesystem")
	v.SetDefault("content.encryption.enabled", false)
	v.SetDefault("content.encryption.passphrase", "")

	v.SetDefault("cloud.backend", "none")

	v.SetDefault("gc.interval", "10m")
	v.SetDefault("gc.dry_run", false)
}
