package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func waitForBundle(t *testing.T, ch <-chan RuleBundle, accept func(RuleBundle) bool) RuleBundle {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case bundle := <-ch:
			if accept(bundle) {
				return bundle
			}
		case <-deadline:
			t.Fatal("timed out waiting for rule bundle")
		}
	}
}

func TestWatchRulesFileReload(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	writeRules(t, rulesFile, `
rules:
  - id: first
    pattern: "alpha"
    weight: 0.4
`)

	cfg := DefaultConfig()
	cfg.Detection.RulesFile = rulesFile

	changeCh := make(chan RuleBundle, 4)
	loader := NewLoader("SCOREGATE")
	watcher, err := loader.WatchRules(context.Background(), cfg, func(bundle RuleBundle) {
		changeCh <- bundle
	}, func(err error) {
		t.Logf("watch error: %v", err)
	})
	if err != nil {
		t.Fatalf("WatchRules: %v", err)
	}
	defer watcher.Stop()

	initial := waitForBundle(t, changeCh, func(RuleBundle) bool { return true })
	if len(initial.Rules) != 1 || initial.Rules[0].ID != "first" {
		t.Fatalf("unexpected initial bundle: %#v", initial.Rules)
	}

	writeRules(t, rulesFile, `
rules:
  - id: first
    pattern: "alpha"
    weight: 0.4
  - id: second
    pattern: "beta"
    weight: 0.3
`)

	updated := waitForBundle(t, changeCh, func(b RuleBundle) bool { return len(b.Rules) == 2 })
	if updated.Rules[1].ID != "second" {
		t.Fatalf("unexpected updated bundle: %#v", updated.Rules)
	}
}

func TestWatchRulesFolderPicksUpNewDocuments(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, filepath.Join(dir, "base.yaml"), `
rules:
  - id: base_rule
    pattern: "gamma"
    weight: 0.4
`)

	cfg := DefaultConfig()
	cfg.Detection.RulesFolder = dir

	changeCh := make(chan RuleBundle, 4)
	loader := NewLoader("SCOREGATE")
	watcher, err := loader.WatchRules(context.Background(), cfg, func(bundle RuleBundle) {
		changeCh <- bundle
	}, func(err error) {
		t.Logf("watch error: %v", err)
	})
	if err != nil {
		t.Fatalf("WatchRules: %v", err)
	}
	defer watcher.Stop()

	initial := waitForBundle(t, changeCh, func(RuleBundle) bool { return true })
	if len(initial.Rules) != 1 {
		t.Fatalf("unexpected initial bundle: %#v", initial.Rules)
	}

	writeRules(t, filepath.Join(dir, "extra.json"), `{
  "rules": [
    {"id": "extra_rule", "pattern": "delta", "weight": 0.3}
  ]
}`)

	updated := waitForBundle(t, changeCh, func(b RuleBundle) bool { return len(b.Rules) == 2 })
	ids := map[string]bool{}
	for _, rule := range updated.Rules {
		ids[rule.ID] = true
	}
	if !ids["base_rule"] || !ids["extra_rule"] {
		t.Fatalf("unexpected rules after folder change: %#v", updated.Rules)
	}
}

func TestWatchRulesRequiresSource(t *testing.T) {
	loader := NewLoader("SCOREGATE")
	if _, err := loader.WatchRules(context.Background(), DefaultConfig(), func(RuleBundle) {}, nil); err == nil {
		t.Fatal("expected error without a rules source")
	}
}

func TestWatchRulesStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	writeRules(t, rulesFile, "rules: []\n")

	cfg := DefaultConfig()
	cfg.Detection.RulesFile = rulesFile

	loader := NewLoader("SCOREGATE")
	watcher, err := loader.WatchRules(context.Background(), cfg, func(RuleBundle) {}, nil)
	if err != nil {
		t.Fatalf("WatchRules: %v", err)
	}
	watcher.Stop()
	watcher.Stop()
}
