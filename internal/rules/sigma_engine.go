package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"deepcase/internal/logger"
	"deepcase/pkg/models"
)

var techniquePattern = regexp.MustCompile(`^attack\.t\d{4}(?:\.\d{3})?$`)

// LoadStats counts rule files by outcome.
type LoadStats struct {
	Files       int
	Loaded      int
	Unsupported int
	OtherSource int
	Invalid     int
}

type sigmaRule struct {
	eval *sigmaevaluator.RuleEvaluator
	tag  models.Tag
}

// SigmaEngine tags Sysmon records with the Sigma rules they match.
type SigmaEngine struct {
	rules []sigmaRule
}

// NewSigmaEngine compiles every single-event Windows/Sysmon rule found at
// path, a rule file or a directory of rule files.
func NewSigmaEngine(path string) (*SigmaEngine, LoadStats, error) {
	var stats LoadStats
	files, err := ruleFiles(path)
	if err != nil {
		return nil, stats, err
	}
	stats.Files = len(files)

	engine := &SigmaEngine{}
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			stats.Invalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			logger.Debugf("Skipping sigma rule %s: %v", file, err)
			stats.Invalid++
			continue
		}
		if !sysmonSource(rule.Logsource) {
			stats.OtherSource++
			continue
		}
		if !singleEvent(rule) {
			stats.Unsupported++
			continue
		}
		engine.rules = append(engine.rules, sigmaRule{
			eval: sigmaevaluator.ForRule(rule),
			tag:  tagFromRule(rule),
		})
		stats.Loaded++
	}
	return engine, stats, nil
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
		if !isYAML(resolved) {
			return nil, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		return []string{resolved}, nil
	}

	var files []string
	err = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && isYAML(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rule directory: %w", err)
	}
	return files, nil
}

// Apply returns the tags of all rules matching the record.
func (e *SigmaEngine) Apply(record *models.RawRecord) []models.Tag {
	if e == nil || record == nil || len(e.rules) == 0 {
		return nil
	}
	fields := sigmaFields(record)
	var out []models.Tag
	for _, r := range e.rules {
		res, err := r.eval.Matches(context.Background(), fields)
		if err == nil && res.Match {
			out = append(out, r.tag)
		}
	}
	return out
}

// Len returns the number of compiled rules.
func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

func sysmonSource(src sigma.Logsource) bool {
	product := strings.ToLower(strings.TrimSpace(src.Product))
	service := strings.ToLower(strings.TrimSpace(src.Service))
	return (product == "" || product == "windows") && (service == "" || service == "sysmon")
}

// singleEvent rejects correlation features the per-record evaluator cannot
// express: timeframes, aggregations, keyword searches.
func singleEvent(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil || !plainExpr(cond.Search) {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 || len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

func plainExpr(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !plainExpr(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !plainExpr(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return plainExpr(e.Expr)
	default:
		return false
	}
}

func sigmaFields(record *models.RawRecord) map[string]interface{} {
	out := make(map[string]interface{}, len(record.Fields)+6)
	for k, v := range record.Fields {
		out[k] = v
	}
	out["EventID"] = record.EventID
	if record.Channel != "" {
		out["Channel"] = record.Channel
	}
	if record.RecordID != "" {
		out["RecordID"] = record.RecordID
	}
	if record.Hostname != "" {
		out["Computer"] = record.Hostname
	}
	if record.AgentID != "" {
		out["AgentID"] = record.AgentID
	}
	return out
}

func tagFromRule(rule sigma.Rule) models.Tag {
	tag := models.Tag{
		ID:       strings.TrimSpace(rule.ID),
		Name:     strings.TrimSpace(rule.Title),
		Severity: strings.ToLower(strings.TrimSpace(rule.Level)),
	}
	if tag.ID == "" {
		tag.ID = tag.Name
	}
	if tag.Severity == "" {
		tag.Severity = "medium"
	}
	for _, raw := range rule.Tags {
		t := strings.ToLower(strings.TrimSpace(raw))
		name, ok := strings.CutPrefix(t, "attack.")
		if !ok {
			continue
		}
		switch {
		case techniquePattern.MatchString(t):
			if tag.Technique == "" {
				tag.Technique = strings.ToUpper(strings.ReplaceAll(name, ".", "/"))
			}
		case !strings.HasPrefix(name, "t") && tag.Tactic == "":
			tag.Tactic = strings.ReplaceAll(name, "_", "-")
		}
	}
	return tag
}
