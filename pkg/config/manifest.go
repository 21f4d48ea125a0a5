package config

import (
	"sort"
	"strings"
	"time"
)

// StrategyType names how a service reacts to a configuration change.
type StrategyType string

const (
	// StrategyDestroyInitialize tears the service down completely and
	// rebuilds it from the new configuration.
	StrategyDestroyInitialize StrategyType = "destroy_initialize"

	// StrategyLightweightReconnect re-establishes connections without
	// rebuilding in-memory state.
	StrategyLightweightReconnect StrategyType = "lightweight_reconnect"

	// StrategyReconfigure applies the new values in place.
	StrategyReconfigure StrategyType = "reconfigure"

	// StrategyReconnect drops and re-dials the remote endpoint.
	StrategyReconnect StrategyType = "reconnect"

	// StrategyRestart restarts the service loop.
	StrategyRestart StrategyType = "restart"
)

// ReinitializationStrategy describes how to apply a config change to a
// running service.
type ReinitializationStrategy struct {
	Type     StrategyType  `json:"type"`
	Graceful bool          `json:"graceful"`
	Timeout  time.Duration `json:"timeout"`
}

// ServiceManifest maps a service to the configuration keys it consumes
// and the strategy for applying changes to those keys.
type ServiceManifest struct {
	Name       string                   `json:"name"`
	Icon       string                   `json:"icon"`
	ConfigKeys []string                 `json:"config_keys"`
	Strategy   ReinitializationStrategy `json:"reinitialization_strategy"`
}

// serviceManifests is the registry of reconfigurable services. Keys are
// config paths in dotted form; a changed key affects every service that
// lists it or a prefix of it.
var serviceManifests = []ServiceManifest{
	{
		Name:       "cache",
		Icon:       "🗄️",
		ConfigKeys: []string{"cache"},
		Strategy: ReinitializationStrategy{
			Type:     StrategyDestroyInitialize,
			Graceful: true,
			Timeout:  30 * time.Second,
		},
	},
	{
		Name:       "coordinator",
		Icon:       "🧭",
		ConfigKeys: []string{"coordinator", "instance"},
		Strategy: ReinitializationStrategy{
			Type:     StrategyLightweightReconnect,
			Graceful: true,
			Timeout:  60 * time.Second,
		},
	},
	{
		Name:       "queue",
		Icon:       "📮",
		ConfigKeys: []string{"queue", "signing"},
		Strategy: ReinitializationStrategy{
			Type:     StrategyReconfigure,
			Graceful: true,
			Timeout:  15 * time.Second,
		},
	},
	{
		Name:       "database",
		Icon:       "💾",
		ConfigKeys: []string{"database"},
		Strategy: ReinitializationStrategy{
			Type:     StrategyReconnect,
			Graceful: true,
			Timeout:  30 * time.Second,
		},
	},
	{
		Name:       "api",
		Icon:       "🌐",
		ConfigKeys: []string{"api"},
		Strategy: ReinitializationStrategy{
			Type:     StrategyRestart,
			Graceful: true,
			Timeout:  30 * time.Second,
		},
	},
	{
		Name:       "stream",
		Icon:       "📡",
		ConfigKeys: []string{"stream"},
		Strategy: ReinitializationStrategy{
			Type:     StrategyRestart,
			Graceful: true,
			Timeout:  60 * time.Second,
		},
	},
	{
		Name:       "workers",
		Icon:       "⚙️",
		ConfigKeys: []string{"dedup", "batch", "buffer", "sync"},
		Strategy: ReinitializationStrategy{
			Type:     StrategyReconfigure,
			Graceful: true,
			Timeout:  15 * time.Second,
		},
	},
	{
		Name:       "logging",
		Icon:       "📝",
		ConfigKeys: []string{"logging"},
		Strategy: ReinitializationStrategy{
			Type:     StrategyReconfigure,
			Graceful: false,
			Timeout:  5 * time.Second,
		},
	},
}

// Manifests returns the full service manifest registry.
func Manifests() []ServiceManifest {
	out := make([]ServiceManifest, len(serviceManifests))
	copy(out, serviceManifests)
	return out
}

// AffectedServices returns the manifests of every service touched by
// the given changed config keys (dotted paths such as
// "cache.l1_ttl_cap"), sorted by name.
func AffectedServices(changedKeys []string) []ServiceManifest {
	hit := make(map[string]ServiceManifest)
	for _, key := range changedKeys {
		for _, m := range serviceManifests {
			for _, owned := range m.ConfigKeys {
				if key == owned || strings.HasPrefix(key, owned+".") {
					hit[m.Name] = m
				}
			}
		}
	}

	out := make([]ServiceManifest, 0, len(hit))
	for _, m := range hit {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChangedKeys diffs two configurations section by section and returns
// the dotted paths of sections whose values differ. The diff is
// section-granular: reinitialization strategies act on services, not
// individual fields.
func ChangedKeys(old, new *Config) []string {
	var changed []string

	if old.Logging != new.Logging {
		changed = append(changed, "logging")
	}
	if old.ShutdownTimeout != new.ShutdownTimeout {
		changed = append(changed, "shutdown_timeout")
	}
	if old.Database != new.Database {
		changed = append(changed, "database")
	}
	if old.API != new.API {
		changed = append(changed, "api")
	}
	if old.Instance != new.Instance {
		changed = append(changed, "instance")
	}
	if old.Coordinator != new.Coordinator {
		changed = append(changed, "coordinator")
	}
	if !cacheEqual(&old.Cache, &new.Cache) {
		changed = append(changed, "cache")
	}
	if old.Queue != new.Queue {
		changed = append(changed, "queue")
	}
	if old.Signing != new.Signing {
		changed = append(changed, "signing")
	}
	if old.Dedup != new.Dedup {
		changed = append(changed, "dedup")
	}
	if old.Batch != new.Batch {
		changed = append(changed, "batch")
	}
	if old.Buffer != new.Buffer {
		changed = append(changed, "buffer")
	}
	if old.Sync != new.Sync {
		changed = append(changed, "sync")
	}
	if !streamEqual(&old.Stream, &new.Stream) {
		changed = append(changed, "stream")
	}
	return changed
}

func cacheEqual(a, b *CacheConfig) bool {
	return a.PreferredProvider == b.PreferredProvider &&
		a.L1TTLCap == b.L1TTLCap &&
		a.FailureThresholdForFailover == b.FailureThresholdForFailover &&
		a.ProbeInterval == b.ProbeInterval &&
		a.Cloudflare == b.Cloudflare &&
		a.Upstash == b.Upstash
}

func streamEqual(a, b *StreamConfig) bool {
	if a.ChunkRetryMax != b.ChunkRetryMax ||
		a.StaleTimeout != b.StaleTimeout ||
		a.Uploader != b.Uploader ||
		a.UploaderCommand != b.UploaderCommand ||
		a.S3 != b.S3 {
		return false
	}
	if len(a.UploaderArgs) != len(b.UploaderArgs) {
		return false
	}
	for i := range a.UploaderArgs {
		if a.UploaderArgs[i] != b.UploaderArgs[i] {
			return false
		}
	}
	return true
}
