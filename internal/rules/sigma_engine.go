package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"auditcore/internal/logger"
	"auditcore/pkg/models"
)

// LogsourceProduct is the Sigma logsource product accepted besides an empty
// one. The logsource category, when set, names the event type a rule is
// limited to.
const LogsourceProduct = "auditcore"

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type flagRule struct {
	eval *sigmaevaluator.RuleEvaluator
	tag  models.RuleTag
}

// SigmaEngine evaluates flag rules against the flattened fields of single
// events. Rules with a logsource category only see events of that type.
type SigmaEngine struct {
	generic []flagRule
	byType  map[models.EventType][]flagRule
	n       int
}

// NewSigmaEngine loads rules from a .yml/.yaml file or a directory tree.
// Rules that need correlation, keyword search or another product are
// skipped and counted in the stats.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	files, err := ruleFiles(path)
	if err != nil {
		return nil, stats, err
	}
	stats.TotalFiles = len(files)

	e := &SigmaEngine{byType: make(map[models.EventType][]flagRule)}
	for _, file := range files {
		rule, err := parseSigmaRuleFile(file)
		if err != nil {
			logger.Debugf("skipping rule %s: %v", file, err)
			stats.SkippedInvalid++
			continue
		}
		eventType, ok := ruleEventType(rule)
		if !ok {
			stats.SkippedDatasource++
			continue
		}
		if !singleEvent(rule) {
			stats.SkippedComplex++
			continue
		}

		fr := flagRule{eval: sigmaevaluator.ForRule(rule), tag: tagFromRule(rule)}
		if eventType == "" {
			e.generic = append(e.generic, fr)
		} else {
			e.byType[eventType] = append(e.byType[eventType], fr)
		}
		e.n++
		stats.Loaded++
	}
	return e, stats, nil
}

func ruleFiles(path string) ([]string, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat rule path: %w", err)
	}
	if !info.IsDir() {
		if !isYAMLFile(resolved) {
			return nil, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		return []string{resolved}, nil
	}

	var files []string
	err = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && isYAMLFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rule directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Len returns the number of loaded rules.
func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return e.n
}

// Apply returns the tags of every rule the event matches, type-specific
// rules first.
func (e *SigmaEngine) Apply(event *models.Event) []models.RuleTag {
	if e == nil || event == nil || e.n == 0 {
		return nil
	}
	specific := e.byType[event.EventType]
	if len(specific) == 0 && len(e.generic) == 0 {
		return nil
	}

	fields := event.Fields()
	ctx := context.Background()
	var out []models.RuleTag
	for _, set := range [][]flagRule{specific, e.generic} {
		for _, r := range set {
			res, err := r.eval.Matches(ctx, fields)
			if err != nil {
				logger.Debugf("rule %s on %s: %v", r.tag.ID, event.EventID, err)
				continue
			}
			if res.Match {
				out = append(out, r.tag)
			}
		}
	}
	return out
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// ruleEventType reads the logsource. An empty type means the rule applies
// to every event type; ok is false for rules written for other products or
// for unknown event types.
func ruleEventType(rule sigma.Rule) (models.EventType, bool) {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	if product != "" && product != LogsourceProduct {
		return "", false
	}
	category := models.EventType(strings.ToLower(strings.TrimSpace(rule.Logsource.Category)))
	if category == "" {
		return "", true
	}
	return category, category.Known()
}

// singleEvent reports whether the rule can be decided from one event:
// no timeframe, no aggregation and field matchers only.
func singleEvent(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 || len(search.EventMatchers) == 0 {
			return false
		}
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil || !plainExpr(cond.Search) {
			return false
		}
	}
	return true
}

func plainExpr(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.Not:
		return plainExpr(e.Expr)
	case sigma.And:
		return allPlain(e)
	case sigma.Or:
		return allPlain(e)
	}
	return false
}

func allPlain(exprs []sigma.SearchExpr) bool {
	for _, child := range exprs {
		if !plainExpr(child) {
			return false
		}
	}
	return true
}

func tagFromRule(rule sigma.Rule) models.RuleTag {
	title := strings.TrimSpace(rule.Title)
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = title
	}
	severity := strings.ToLower(strings.TrimSpace(rule.Level))
	if severity == "" {
		severity = "medium"
	}
	return models.RuleTag{ID: id, Name: title, Severity: severity}
}
