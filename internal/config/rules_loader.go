package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// RuleBundle captures the merged detection rules after loading every
// configured source. The runtime can use the metadata to explain what was
// loaded and why certain definitions were skipped.
type RuleBundle struct {
	Rules   []DetectionRuleConfig
	Sources []string
	Skipped []DefinitionSkip
}

type ruleDocument struct {
	Rules []DetectionRuleConfig `koanf:"rules"`
}

type ruleAggregator struct {
	rules   map[string]DetectionRuleConfig
	order   []string
	sources map[string]string
	skips   map[string]*DefinitionSkip
	seen    map[string]struct{}
}

func newRuleAggregator() *ruleAggregator {
	return &ruleAggregator{
		rules:   make(map[string]DetectionRuleConfig),
		sources: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		seen:    make(map[string]struct{}),
	}
}

func (a *ruleAggregator) addDocument(doc ruleDocument, source string) {
	if source != "" {
		a.seen[source] = struct{}{}
	}
	for _, rule := range doc.Rules {
		a.addRule(rule, source)
	}
}

func (a *ruleAggregator) addRule(rule DetectionRuleConfig, source string) {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		a.recordSkip("(unnamed)", "detection rule id required", source)
		return
	}
	if rule.Pattern == "" && rule.Expr == "" {
		a.recordSkip(id, "detection rule needs a pattern or an expr", source)
		return
	}
	if rule.Pattern != "" {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			a.recordSkip(id, fmt.Sprintf("invalid pattern: %v", err), source)
			return
		}
	}
	if rule.Weight < 0 || rule.Weight > 1 {
		a.recordSkip(id, fmt.Sprintf("weight %v must be in [0,1]", rule.Weight), source)
		return
	}
	if existing, ok := a.sources[id]; ok {
		a.recordSkip(id, "duplicate detection rule id", existing, source)
		delete(a.rules, id)
		return
	}
	rule.ID = id
	a.rules[id] = rule
	a.sources[id] = source
	a.order = append(a.order, id)
}

func (a *ruleAggregator) recordSkip(id, reason string, sources ...string) {
	skip, ok := a.skips[id]
	if !ok {
		skip = &DefinitionSkip{Kind: "detection_rule", Name: id, Reason: reason}
		a.skips[id] = skip
	}
	for _, source := range sources {
		if source == "" {
			continue
		}
		duplicate := false
		for _, existing := range skip.Sources {
			if existing == source {
				duplicate = true
				break
			}
		}
		if !duplicate {
			skip.Sources = append(skip.Sources, source)
		}
	}
}

func (a *ruleAggregator) bundle() RuleBundle {
	rules := make([]DetectionRuleConfig, 0, len(a.rules))
	for _, id := range a.order {
		if rule, ok := a.rules[id]; ok {
			rules = append(rules, rule)
		}
	}

	sources := make([]string, 0, len(a.seen))
	for source := range a.seen {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })

	return RuleBundle{Rules: rules, Sources: sources, Skipped: skipped}
}

// buildRuleBundle resolves the detection rule documents named by cfg. A
// missing source is an error; an empty configuration yields an empty bundle so
// the built-in rule set stands alone.
func buildRuleBundle(ctx context.Context, cfg DetectionConfig) (RuleBundle, error) {
	aggregator := newRuleAggregator()

	if path := strings.TrimSpace(cfg.RulesFile); path != "" {
		doc, err := loadRuleDocument(path)
		if err != nil {
			return RuleBundle{}, err
		}
		aggregator.addDocument(doc, path)
	}

	if folder := strings.TrimSpace(cfg.RulesFolder); folder != "" {
		paths, err := collectRuleFiles(ctx, folder)
		if err != nil {
			return RuleBundle{}, err
		}
		for _, path := range paths {
			doc, err := loadRuleDocument(path)
			if err != nil {
				return RuleBundle{}, err
			}
			aggregator.addDocument(doc, path)
		}
	}

	return aggregator.bundle(), nil
}

func collectRuleFiles(ctx context.Context, folder string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if walkErr != nil {
			return fmt.Errorf("config: walk detection rules %s: %w", path, walkErr)
		}
		if d.IsDir() {
			return nil
		}
		if isSupportedRulesFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	if _, err := os.Stat(path); err != nil {
		return ruleDocument{}, fmt.Errorf("config: detection rules %s: %w", path, err)
	}

	parser, err := parserForRulesFile(path)
	if err != nil {
		return ruleDocument{}, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("config: load detection rules %s: %w", path, err)
	}

	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("config: unmarshal detection rules %s: %w", path, err)
	}
	return doc, nil
}

func parserForRulesFile(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported detection rules format %s", path)
	}
}

func isSupportedRulesFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	default:
		return false
	}
}
