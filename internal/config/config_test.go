// Copyright (c) 2026 Apflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
mailbox:
  monitored: invoices@corp.example
  ap: ap@corp.example
provider:
  tenant_id: tid
  client_id: cid
  client_secret: secret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, minimalYAML))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.QueueVisibility != 10*time.Minute {
		t.Errorf("QueueVisibility = %v, want 10m", cfg.QueueVisibility)
	}
	if cfg.QueueMaxDequeue != 5 {
		t.Errorf("QueueMaxDequeue = %d, want 5", cfg.QueueMaxDequeue)
	}
	if cfg.StaleClaimWindow != 30*time.Minute {
		t.Errorf("StaleClaimWindow = %v, want 30m", cfg.StaleClaimWindow)
	}
	if cfg.MailBreaker.FailMax != 5 || cfg.MailBreaker.ResetSeconds != 60 {
		t.Errorf("MailBreaker = %+v, want {5 60}", cfg.MailBreaker)
	}
	if cfg.LLMBreaker.FailMax != 3 || cfg.LLMBreaker.ResetSeconds != 30 {
		t.Errorf("LLMBreaker = %+v, want {3 30}", cfg.LLMBreaker)
	}
	if cfg.StoreBreaker.FailMax != 10 {
		t.Errorf("StoreBreaker.FailMax = %d, want 10", cfg.StoreBreaker.FailMax)
	}
	if !cfg.PollerEnabled || cfg.PollerInterval != time.Hour {
		t.Errorf("poller = %v/%v, want enabled hourly", cfg.PollerEnabled, cfg.PollerInterval)
	}
	if cfg.SubscriptionTTL != 6*24*time.Hour {
		t.Errorf("SubscriptionTTL = %v, want 144h", cfg.SubscriptionTTL)
	}
	if cfg.ExtractorMaxPdfBytes != 10<<20 {
		t.Errorf("ExtractorMaxPdfBytes = %d, want 10 MiB", cfg.ExtractorMaxPdfBytes)
	}
	if cfg.RateLimitPerM != 100 {
		t.Errorf("RateLimitPerM = %d, want 100", cfg.RateLimitPerM)
	}
	if len(cfg.SystemPrefixes) == 0 {
		t.Error("SystemPrefixes should have defaults")
	}
	if cfg.LookupStrategy != "domain" {
		t.Errorf("LookupStrategy = %q, want domain", cfg.LookupStrategy)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "from-env")
	t.Setenv("CONFIG_PATH", writeConfig(t, `
mailbox:
  monitored: invoices@corp.example
  ap: ap@corp.example
provider:
  tenant_id: tid
  client_id: cid
  client_secret: ${TEST_CLIENT_SECRET}
log_level: debug
poller:
  enabled: false
`))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.ClientSecret != "from-env" {
		t.Errorf("ClientSecret = %q, want expanded env value", cfg.Provider.ClientSecret)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.PollerEnabled {
		t.Error("PollerEnabled should honour explicit false")
	}
}

func TestLoadMissingMailbox(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, `
provider:
  tenant_id: tid
  client_id: cid
  client_secret: s
`))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing mailbox config")
	}
}
