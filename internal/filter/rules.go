// Package filter applies exclusion rules to the deduplicated contact set.
package filter

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/contact-reveal/internal/config"
	"github.com/sells-group/contact-reveal/internal/contact"
	"github.com/sells-group/contact-reveal/internal/model"
)

// MatchMode is how a rule pattern is compared with a field.
type MatchMode string

const (
	MatchSubstring MatchMode = "substring"
	MatchExact     MatchMode = "exact"
)

// Field names a record attribute a rule can inspect.
type Field string

const (
	FieldTitle   Field = "title"
	FieldCompany Field = "company"
)

// Rule excludes records whose title (or company) matches Pattern. Matching
// is case-insensitive.
type Rule struct {
	Name    string    `yaml:"name"`
	Pattern string    `yaml:"pattern"`
	Match   MatchMode `yaml:"match"`
	Fields  []Field   `yaml:"fields"`

	folded string
}

// ruleFile is the on-disk YAML layout.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Compile validates r and fills defaults: substring match on the title.
func (r Rule) Compile() (Rule, error) {
	if strings.TrimSpace(r.Pattern) == "" {
		return r, eris.Errorf("filter: rule %q has an empty pattern", r.Name)
	}
	if r.Match == "" {
		r.Match = MatchSubstring
	}
	if r.Match != MatchSubstring && r.Match != MatchExact {
		return r, eris.Errorf("filter: rule %q has unknown match mode %q", r.Name, r.Match)
	}
	if len(r.Fields) == 0 {
		r.Fields = []Field{FieldTitle}
	}
	for _, f := range r.Fields {
		if f != FieldTitle && f != FieldCompany {
			return r, eris.Errorf("filter: rule %q has unknown field %q", r.Name, f)
		}
	}
	if r.Name == "" {
		r.Name = r.Pattern
	}
	r.folded = contact.Fold(r.Pattern)
	return r, nil
}

// Matches reports whether rec is excluded by r. r must be compiled.
func (r Rule) Matches(rec model.ContactRecord) bool {
	for _, f := range r.Fields {
		var v string
		switch f {
		case FieldTitle:
			v = rec.DisplayTitle
		case FieldCompany:
			v = rec.Company
		}
		if v == "" {
			continue
		}
		folded := contact.Fold(v)
		switch r.Match {
		case MatchExact:
			if folded == r.folded {
				return true
			}
		default:
			if strings.Contains(folded, r.folded) {
				return true
			}
		}
	}
	return false
}

// LoadRules reads rules from configuration and, if set, a YAML rules file.
// Config rules come first.
func LoadRules(cfg config.FilterConfig) ([]Rule, error) {
	var rules []Rule
	for _, rc := range cfg.Rules {
		fields := make([]Field, 0, len(rc.Fields))
		for _, f := range rc.Fields {
			fields = append(fields, Field(strings.ToLower(f)))
		}
		rules = append(rules, Rule{Name: rc.Name, Pattern: rc.Pattern, Match: MatchMode(strings.ToLower(rc.Match)), Fields: fields})
	}

	if cfg.RulesPath != "" {
		fromFile, err := ReadRulesFile(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fromFile...)
	}

	return Compile(rules)
}

// ReadRulesFile parses a YAML rules file of the form `rules: [{name, pattern, match, fields}]`.
func ReadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "filter: read rules %s", path)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, eris.Wrapf(err, "filter: parse rules %s", path)
	}
	return rf.Rules, nil
}

// Compile compiles every rule, failing on the first invalid one.
func Compile(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		c, err := r.Compile()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
