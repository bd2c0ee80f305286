package job

import (
	"eemt-orchestrator/internal/apperrors"
	"fmt"
	"math"
	"path"
	"slices"
	"strconv"
	"strings"
)

// Kind is the workflow a worker runs for a job.
type Kind string

const (
	// KindSolar computes solar irradiance only.
	KindSolar Kind = "solar"
	// KindEEMT runs the full effective energy and mass transfer model over a year range.
	KindEEMT Kind = "eemt"
)

// Fixed paths inside the worker container.
const (
	InputMount  = "/data/input"
	OutputMount = "/data/output"
	TempMount   = "/data/temp"
	CacheMount  = "/data/cache"
)

// Parameters is the validated configuration passed through to the worker.
type Parameters map[string]float64

// Threads returns the requested worker thread count.
func (p Parameters) Threads() int {
	return int(p["num_threads"])
}

// ParamSpec documents one numeric parameter of a kind.
type ParamSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Integer     bool    `json:"integer"`
	Flag        string  `json:"-"` // worker CLI flag
	Env         string  `json:"-"` // worker environment variable
}

// KindSpec maps a kind to its parameters and container launch template.
type KindSpec struct {
	Kind           Kind        `json:"kind"`
	Description    string      `json:"description"`
	Script         string      `json:"-"`
	EstimatedTasks int         `json:"estimatedTasks"`
	Params         []ParamSpec `json:"parameters"`

	check func(Parameters) error
}

// Template is the kind-specific part of a container launch.
type Template struct {
	Command []string
	Env     []string
}

var commonParams = []ParamSpec{
	{Name: "step", Description: "time step in minutes", Default: 15, Min: 3, Max: 60, Flag: "--step", Env: "EEMT_STEP"},
	{Name: "linke_value", Description: "Linke atmospheric turbidity", Default: 3.0, Min: 1, Max: 8, Flag: "--linke-value", Env: "EEMT_LINKE_VALUE"},
	{Name: "albedo_value", Description: "surface albedo", Default: 0.2, Min: 0, Max: 1, Flag: "--albedo-value", Env: "EEMT_ALBEDO_VALUE"},
	{Name: "num_threads", Description: "worker threads", Default: 4, Min: 1, Max: 64, Integer: true, Flag: "--num-threads", Env: "EEMT_NUM_THREADS"},
}

var yearParams = []ParamSpec{
	{Name: "start_year", Description: "first year of climate data", Default: 2020, Min: 1980, Max: 2100, Integer: true, Flag: "--start-year", Env: "EEMT_START_YEAR"},
	{Name: "end_year", Description: "last year of climate data", Default: 2020, Min: 1980, Max: 2100, Integer: true, Flag: "--end-year", Env: "EEMT_END_YEAR"},
}

var kinds = map[Kind]*KindSpec{
	KindSolar: {
		Kind:           KindSolar,
		Description:    "Solar irradiance over the DEM for every day of the year",
		Script:         "/opt/eemt/bin/run-solar-workflow.py",
		EstimatedTasks: 365,
		Params:         commonParams,
	},
	KindEEMT: {
		Kind:           KindEEMT,
		Description:    "Effective energy and mass transfer including climate data",
		Script:         "/opt/eemt/bin/run-eemt-workflow.py",
		EstimatedTasks: 816,
		Params:         slices.Concat(commonParams, yearParams),
		check: func(p Parameters) error {
			if p["end_year"] < p["start_year"] {
				return apperrors.ValidationCode(apperrors.CodeOutOfRange, "end_year", "end_year must not be before start_year")
			}
			return nil
		},
	},
}

// kindAliases accepts the short names used by older clients.
var kindAliases = map[string]Kind{
	"sol": KindSolar,
}

// ParseKind resolves a kind name.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return "", apperrors.ValidationCode(apperrors.CodeUnknownKind, "kind", "kind is required")
	}
	if k, ok := kindAliases[name]; ok {
		return k, nil
	}
	if _, ok := kinds[Kind(name)]; ok {
		return Kind(name), nil
	}
	return "", apperrors.ValidationCode(apperrors.CodeUnknownKind, "kind", fmt.Sprintf("unknown kind %q", s))
}

// Lookup returns the spec for a kind.
func Lookup(k Kind) (*KindSpec, bool) {
	spec, ok := kinds[k]
	return spec, ok
}

// Specs returns every known kind spec ordered by name.
func Specs() []*KindSpec {
	out := make([]*KindSpec, 0, len(kinds))
	for _, spec := range kinds {
		out = append(out, spec)
	}
	slices.SortFunc(out, func(a, b *KindSpec) int { return strings.Compare(string(a.Kind), string(b.Kind)) })
	return out
}

// Resolve applies defaults and range checks. Unknown names are rejected.
// The input is not modified.
func (s *KindSpec) Resolve(in Parameters) (Parameters, error) {
	known := make(map[string]ParamSpec, len(s.Params))
	for _, ps := range s.Params {
		known[ps.Name] = ps
	}
	for name := range in {
		if _, ok := known[name]; !ok {
			return nil, apperrors.ValidationCode(apperrors.CodeUnknownParameter, name,
				fmt.Sprintf("unknown parameter %q for kind %s", name, s.Kind))
		}
	}

	out := make(Parameters, len(s.Params))
	for _, ps := range s.Params {
		v, ok := in[ps.Name]
		if !ok {
			v = ps.Default
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.ValidationCode(apperrors.CodeInvalidParameter, ps.Name,
				fmt.Sprintf("%s must be a finite number", ps.Name))
		}
		if ps.Integer && v != float64(int64(v)) {
			return nil, apperrors.ValidationCode(apperrors.CodeInvalidParameter, ps.Name,
				fmt.Sprintf("%s must be an integer", ps.Name))
		}
		if v < ps.Min || v > ps.Max {
			return nil, apperrors.ValidationCode(apperrors.CodeOutOfRange, ps.Name,
				fmt.Sprintf("%s must be between %s and %s", ps.Name, formatValue(ps.Min), formatValue(ps.Max)))
		}
		out[ps.Name] = v
	}
	if s.check != nil {
		if err := s.check(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Template builds the worker command and environment for a job.
// inputFile is the base name of the staged input inside InputMount.
func (s *KindSpec) Template(j *Job, inputFile string) Template {
	cmd := []string{
		"python", s.Script,
		"--dem", path.Join(InputMount, inputFile),
		"--output", OutputMount,
	}
	env := []string{
		"PYTHONUNBUFFERED=1",
		"GRASS_BATCH_JOB=true",
		"GRASS_MESSAGE_FORMAT=plain",
		"GRASS_VERBOSE=1",
		"MAKEFLOW_BATCH_TYPE=local",
		"EEMT_JOB_ID=" + j.ID,
		"EEMT_TEMP_DIR=" + TempMount,
		"EEMT_CACHE_DIR=" + CacheMount,
	}
	for _, ps := range s.Params {
		v := formatValue(j.Parameters[ps.Name])
		cmd = append(cmd, ps.Flag, v)
		env = append(env, ps.Env+"="+v)
	}
	env = append(env, "MAKEFLOW_MAX_REMOTE_JOBS="+formatValue(j.Parameters["num_threads"]))
	cmd = append(cmd, "--job-id", j.ID)
	return Template{Command: cmd, Env: env}
}

// ParseParameters converts raw string values (form fields, flags) to numbers.
func ParseParameters(raw map[string]string) (Parameters, error) {
	out := make(Parameters, len(raw))
	for name, value := range raw {
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.ValidationCode(apperrors.CodeInvalidParameter, name,
				fmt.Sprintf("%s must be a number", name))
		}
		out[name] = v
	}
	return out, nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
