package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: updown\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Game.RoundDuration != time.Minute || cfg.Game.RoundInterval != 5*time.Second {
		t.Fatalf("unexpected round timing: %+v", cfg.Game)
	}
	if cfg.Feed.TickInterval != 250*time.Millisecond || cfg.Feed.LookbackRatio != 0.75 {
		t.Fatalf("unexpected feed defaults: %+v", cfg.Feed)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "" {
		t.Fatalf("journal should default to disabled sqlite: %+v", cfg.Database)
	}
	if len(cfg.Alerting.Channels) != 1 || cfg.Alerting.Channels[0] != "telegram" {
		t.Fatalf("unexpected channels: %v", cfg.Alerting.Channels)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
game:
  round_duration: 30s
  initial_balance: 500
feed:
  volatility: 0.01
  seed: 42
alerting:
  channels: telegram,stdout
`)
	t.Setenv("UPDOWN_GAME_ROUND_INTERVAL", "2s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Game.RoundDuration != 30*time.Second {
		t.Fatalf("file value not applied: %s", cfg.Game.RoundDuration)
	}
	if cfg.Game.RoundInterval != 2*time.Second {
		t.Fatalf("env override not applied: %s", cfg.Game.RoundInterval)
	}
	if cfg.Game.InitialBalance != 500 || cfg.Feed.Volatility != 0.01 || cfg.Feed.Seed != 42 {
		t.Fatalf("unexpected values: %+v %+v", cfg.Game, cfg.Feed)
	}
	if len(cfg.Alerting.Channels) != 2 || cfg.Alerting.Channels[1] != "stdout" {
		t.Fatalf("comma list should split: %v", cfg.Alerting.Channels)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"zero round", "game:\n  round_duration: 0s\n", "game.round_duration"},
		{"no balance", "game:\n  initial_balance: 0\n", "game.initial_balance"},
		{"ratio above one", "feed:\n  lookback_ratio: 1.5\n", "feed.lookback_ratio"},
		{"negative volatility", "feed:\n  volatility: -0.1\n", "feed.volatility"},
		{"window past capacity", "feed:\n  capacity: 10\n  window_points: 20\n", "feed.window_points"},
		{"unknown driver", "database:\n  driver: mysql\n", "database.driver"},
		{"telegram without token", "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n", "bot_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if got := cfg.ResolveMaxPoints(0); got != 10 {
		t.Fatalf("expected config default, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(3); got != 3 {
		t.Fatalf("expected override, got %d", got)
	}
}
