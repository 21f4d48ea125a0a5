package config

import (
	"testing"
	"time"
)

func TestAffectedServices(t *testing.T) {
	cases := []struct {
		name        string
		changedKeys []string
		want        []string
	}{
		{"exact section", []string{"cache"}, []string{"cache"}},
		{"nested key", []string{"cache.l1_ttl_cap"}, []string{"cache"}},
		{"signing belongs to queue", []string{"signing"}, []string{"queue"}},
		{"instance belongs to coordinator", []string{"instance.url"}, []string{"coordinator"}},
		{"worker sections share one service", []string{"dedup", "batch.max_batch_size"}, []string{"workers"}},
		{"multiple services sorted by name", []string{"stream", "logging", "database"}, []string{"database", "logging", "stream"}},
		{"prefix must be a full path segment", []string{"cachex.ttl"}, nil},
		{"unknown key", []string{"nonsense"}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AffectedServices(tc.changedKeys)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d services, want %d: %+v", len(got), len(tc.want), got)
			}
			for i, name := range tc.want {
				if got[i].Name != name {
					t.Errorf("position %d: got %s, want %s", i, got[i].Name, name)
				}
			}
		})
	}
}

func TestStrategies(t *testing.T) {
	byName := map[string]ServiceManifest{}
	for _, m := range Manifests() {
		byName[m.Name] = m
	}

	cases := []struct {
		service  string
		strategy StrategyType
		graceful bool
		timeout  time.Duration
	}{
		{"cache", StrategyDestroyInitialize, true, 30 * time.Second},
		{"coordinator", StrategyLightweightReconnect, true, 60 * time.Second},
		{"queue", StrategyReconfigure, true, 15 * time.Second},
		{"database", StrategyReconnect, true, 30 * time.Second},
		{"logging", StrategyReconfigure, false, 5 * time.Second},
	}
	for _, tc := range cases {
		m, ok := byName[tc.service]
		if !ok {
			t.Errorf("service %s missing from manifest registry", tc.service)
			continue
		}
		s := m.Strategy
		if s.Type != tc.strategy || s.Graceful != tc.graceful || s.Timeout != tc.timeout {
			t.Errorf("%s strategy = %+v, want {%s %v %v}", tc.service, s, tc.strategy, tc.graceful, tc.timeout)
		}
	}
}

func TestChangedKeys(t *testing.T) {
	base := validConfig(t)

	t.Run("identical configs", func(t *testing.T) {
		other := *base
		if got := ChangedKeys(base, &other); len(got) != 0 {
			t.Errorf("no change expected, got %v", got)
		}
	})

	t.Run("section granularity", func(t *testing.T) {
		other := *base
		other.Cache.L1TTLCap = 2 * time.Minute
		other.Signing.Next = "rotated-signing-key-0123456789ab"

		got := ChangedKeys(base, &other)
		want := map[string]bool{"cache": true, "signing": true}
		if len(got) != len(want) {
			t.Fatalf("got %v, want cache and signing", got)
		}
		for _, key := range got {
			if !want[key] {
				t.Errorf("unexpected changed key %q", key)
			}
		}
	})

	t.Run("uploader args compare element-wise", func(t *testing.T) {
		other := *base
		other.Stream.UploaderArgs = append([]string{}, base.Stream.UploaderArgs...)
		if got := ChangedKeys(base, &other); len(got) != 0 {
			t.Errorf("equal args flagged as change: %v", got)
		}

		other.Stream.UploaderArgs = append([]string{}, base.Stream.UploaderArgs...)
		other.Stream.UploaderArgs[0] = "copyto"
		got := ChangedKeys(base, &other)
		if len(got) != 1 || got[0] != "stream" {
			t.Errorf("expected stream change, got %v", got)
		}
	})

	t.Run("full plan from a diff", func(t *testing.T) {
		other := *base
		other.Logging.Level = "DEBUG"
		other.Dedup.Window = 2 * time.Hour

		services := AffectedServices(ChangedKeys(base, &other))
		if len(services) != 2 || services[0].Name != "logging" || services[1].Name != "workers" {
			t.Errorf("expected logging and workers, got %+v", services)
		}
	})
}
