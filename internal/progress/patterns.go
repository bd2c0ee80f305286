package progress

import (
	"eemt-orchestrator/internal/job"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Mode selects how a pattern's match becomes a percentage.
type Mode string

const (
	// ModeRatio expects two groups (done, total) and maps done/total onto
	// [Min, Max].
	ModeRatio Mode = "ratio"
	// ModePercent expects one numeric group holding the percentage.
	ModePercent Mode = "percent"
	// ModeStage reports the fixed Value whenever the pattern matches.
	ModeStage Mode = "stage"
)

// Pattern is one recognised progress marker.
type Pattern struct {
	Name   string `yaml:"name"`
	Regexp string `yaml:"regexp"`
	Mode   Mode   `yaml:"mode"`
	Value  int    `yaml:"value,omitempty"`
	Min    int    `yaml:"min,omitempty"`
	Max    int    `yaml:"max,omitempty"`
}

// Patterns maps each kind to its markers, tried in order.
type Patterns map[job.Kind][]Pattern

// Worker output conventions: the scheduler prints "day N of M" while
// iterating the year, the workflow runner prints "Starting task N/M", and
// the stage banners bracket the expensive phases.
var commonPatterns = []Pattern{
	{Name: "percent", Regexp: `PROGRESS:\s*(\d+(?:\.\d+)?)\s*%`, Mode: ModePercent},
	{Name: "day", Regexp: `(?i)\bday\s+(\d+)\s+of\s+(\d+)`, Mode: ModeRatio},
	{Name: "starting-task", Regexp: `(?i)starting\s+task\s+(\d+)\s*/\s*(\d+)`, Mode: ModeRatio},
	{Name: "task", Regexp: `(?i)\btask\s+(\d+)\s*/\s*(\d+)`, Mode: ModeRatio},
	{Name: "grass-init", Regexp: `(?i)initializing grass`, Mode: ModeStage, Value: 5},
	{Name: "dem-loaded", Regexp: `(?i)(loading|processing) dem`, Mode: ModeStage, Value: 10},
	{Name: "solar", Regexp: `(?i)(starting|running) solar calculations|running r\.sun`, Mode: ModeStage, Value: 15},
	{Name: "monthly", Regexp: `(?i)monthly aggregation|generating monthly summaries`, Mode: ModeStage, Value: 90},
}

// DefaultPatterns returns the built-in markers for every kind.
func DefaultPatterns() Patterns {
	p := make(Patterns)
	for _, spec := range job.Specs() {
		p[spec.Kind] = append([]Pattern(nil), commonPatterns...)
	}
	return p
}

type patternFile struct {
	Kinds map[string][]Pattern `yaml:"kinds"`
}

// LoadPatterns reads a YAML override file. Kinds listed in the file replace
// the built-in markers for that kind; other kinds keep the defaults.
//
//	kinds:
//	  solar:
//	    - name: day
//	      regexp: 'day (\d+) of (\d+)'
//	      mode: ratio
func LoadPatterns(path string) (Patterns, error) {
	patterns := DefaultPatterns()
	if path == "" {
		return patterns, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read progress patterns: %w", err)
	}
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse progress patterns: %w", err)
	}

	for name, list := range file.Kinds {
		kind, err := job.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("progress patterns: %w", err)
		}
		if _, err := compile(list); err != nil {
			return nil, fmt.Errorf("progress patterns for %s: %w", kind, err)
		}
		patterns[kind] = list
	}
	return patterns, nil
}

// Matcher returns the compiled markers for kind. Patterns built in code
// rather than through LoadPatterns are checked here.
func (p Patterns) Matcher(kind job.Kind) (*Matcher, error) {
	m, err := compile(p[kind])
	if err != nil {
		return nil, fmt.Errorf("progress patterns for %s: %w", kind, err)
	}
	return m, nil
}

type compiled struct {
	Pattern
	re *regexp.Regexp
}

// Matcher turns log lines into progress values.
type Matcher struct {
	patterns []compiled
}

func compile(list []Pattern) (*Matcher, error) {
	m := &Matcher{patterns: make([]compiled, 0, len(list))}
	for i, p := range list {
		re, err := regexp.Compile(p.Regexp)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %w", i, p.Name, err)
		}
		want := 0
		switch p.Mode {
		case ModeRatio:
			want = 2
		case ModePercent:
			want = 1
		case ModeStage:
			if p.Value < 0 || p.Value > 100 {
				return nil, fmt.Errorf("pattern %d (%s): stage value %d out of range", i, p.Name, p.Value)
			}
		default:
			return nil, fmt.Errorf("pattern %d (%s): unknown mode %q", i, p.Name, p.Mode)
		}
		if re.NumSubexp() < want {
			return nil, fmt.Errorf("pattern %d (%s): mode %s needs %d capture groups", i, p.Name, p.Mode, want)
		}
		if p.Mode == ModeRatio && p.Max == 0 {
			p.Max = 100
		}
		m.patterns = append(m.patterns, compiled{Pattern: p, re: re})
	}
	return m, nil
}

// Match returns the progress encoded in line by the first matching pattern.
// Lines that match nothing, or match with unusable numbers, report false.
func (m *Matcher) Match(line string) (int, bool) {
	for _, p := range m.patterns {
		groups := p.re.FindStringSubmatch(line)
		if groups == nil {
			continue
		}
		switch p.Mode {
		case ModeStage:
			return p.Value, true
		case ModePercent:
			v, err := strconv.ParseFloat(groups[1], 64)
			if err != nil {
				continue
			}
			return int(math.Floor(v)), true
		case ModeRatio:
			done, err1 := strconv.Atoi(groups[1])
			total, err2 := strconv.Atoi(groups[2])
			if err1 != nil || err2 != nil || total <= 0 {
				continue
			}
			return p.Min + (p.Max-p.Min)*done/total, true
		}
	}
	return 0, false
}
