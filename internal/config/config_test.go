package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLoad(t *testing.T) {
	defaults := Config{
		DatabasePath:       "./data/relay.db",
		LogLevel:           "info",
		Timezone:           "Local",
		RuleReloadInterval: 3 * time.Second,
		SendDelayMin:       2 * time.Second,
		SendDelayMax:       5 * time.Second,
		ScratchChat:        "-1009",
		TelegramEndpoint:   "https://api.telegram.org/bot%s/%s",
		FeedPollInterval:   5 * time.Minute,
		AffiliateAPIURL:    "https://open-api.affiliate.shopee.com.br/graphql",
		AffiliateRate:      5,
	}

	tests := []struct {
		name    string
		env     map[string]string
		want    func() Config
		wantErr bool
	}{
		{
			name: "defaults applied",
			env:  map[string]string{"TELEGRAM_SCRATCH_CHAT": "-1009"},
			want: func() Config { return defaults },
		},
		{
			name: "all values set",
			env: map[string]string{
				"DATABASE_PATH":          "/tmp/relay.db",
				"LOG_LEVEL":              "debug",
				"TIMEZONE":               "America/Sao_Paulo",
				"RULE_RELOAD_INTERVAL":   "10s",
				"SEND_DELAY_MIN":         "1s",
				"SEND_DELAY_MAX":         "1s",
				"TELEGRAM_SCRATCH_CHAT":  "@scratch",
				"TELEGRAM_API_ENDPOINT":  "http://localhost:8081/bot%s/%s",
				"FEED_POLL_INTERVAL":     "1m",
				"AFFILIATE_API_URL":      "http://localhost/graphql",
				"AFFILIATE_SUB_IDS":      "tg,relay",
				"AFFILIATE_RATE_PER_SEC": "2",
			},
			want: func() Config {
				return Config{
					DatabasePath:       "/tmp/relay.db",
					LogLevel:           "debug",
					Timezone:           "America/Sao_Paulo",
					RuleReloadInterval: 10 * time.Second,
					SendDelayMin:       time.Second,
					SendDelayMax:       time.Second,
					ScratchChat:        "@scratch",
					TelegramEndpoint:   "http://localhost:8081/bot%s/%s",
					FeedPollInterval:   time.Minute,
					AffiliateAPIURL:    "http://localhost/graphql",
					AffiliateSubIDs:    []string{"tg", "relay"},
					AffiliateRate:      2,
				}
			},
		},
		{
			name:    "missing scratch chat",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name:    "empty scratch chat",
			env:     map[string]string{"TELEGRAM_SCRATCH_CHAT": ""},
			wantErr: true,
		},
		{
			name:    "min delay above max",
			env:     map[string]string{"TELEGRAM_SCRATCH_CHAT": "-1009", "SEND_DELAY_MIN": "6s"},
			wantErr: true,
		},
		{
			name:    "zero reload interval",
			env:     map[string]string{"TELEGRAM_SCRATCH_CHAT": "-1009", "RULE_RELOAD_INTERVAL": "0s"},
			wantErr: true,
		},
		{
			name:    "malformed duration",
			env:     map[string]string{"TELEGRAM_SCRATCH_CHAT": "-1009", "FEED_POLL_INTERVAL": "soon"},
			wantErr: true,
		},
		{
			name:    "unknown time zone",
			env:     map[string]string{"TELEGRAM_SCRATCH_CHAT": "-1009", "TIMEZONE": "Mars/Olympus"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{
				"DATABASE_PATH", "LOG_LEVEL", "TIMEZONE", "RULE_RELOAD_INTERVAL", "SEND_DELAY_MIN",
				"SEND_DELAY_MAX", "TELEGRAM_SCRATCH_CHAT", "TELEGRAM_API_ENDPOINT", "FEED_POLL_INTERVAL", "AFFILIATE_API_URL",
				"AFFILIATE_SUB_IDS", "AFFILIATE_RATE_PER_SEC",
			} {
				t.Setenv(k, "")
				_ = os.Unsetenv(k)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want(), *got, cmpopts.IgnoreUnexported(Config{}), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
			if got.Location() == nil {
				t.Error("expected a location")
			}
		})
	}
}

func TestLocation(t *testing.T) {
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("TELEGRAM_SCRATCH_CHAT", "-1009")
	t.Setenv("SEND_DELAY_MIN", "2s")
	t.Setenv("SEND_DELAY_MAX", "5s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Location().String(); got != "UTC" {
		t.Errorf("location = %q, want UTC", got)
	}
}
