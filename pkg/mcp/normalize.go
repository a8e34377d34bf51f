package mcp

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Tool categories. Alias tables and defaults key off the category, not
// the individual tool, so the whole family behaves uniformly.
const (
	categoryResearch = "research"
	categorySearch   = "search"
	categoryJob      = "job"
	categoryReport   = "report"
	categoryGraph    = "graph"
	categoryDocument = "document"
	categorySystem   = "system"
)

// globalAliases apply to every tool before category aliases.
var globalAliases = map[string]string{
	"q":    "query",
	"k":    "limit",
	"cost": "costPreference",
	"aud":  "audienceLevel",
	"fmt":  "outputFormat",
	"src":  "includeSources",
	"imgs": "images",
	"docs": "textDocuments",
	"data": "structuredData",
}

// categoryAliases map legacy parameter spellings onto the canonical field
// per tool family.
var categoryAliases = map[string]map[string]string{
	categoryJob:    {"job_id": "id", "jobId": "id"},
	categoryReport: {"reportId": "id", "report_id": "id"},
	categoryGraph:  {"startNode": "node"},
}

// categoryDefaults fill in fields the caller omitted.
var categoryDefaults = map[string]map[string]any{
	categoryResearch: {"costPreference": "low", "async": true},
	categorySearch:   {"limit": float64(10), "scope": "both"},
}

// jobIDPattern recognizes generated job ids. Used for cross-alias
// detection when a numeric report id is expected.
var jobIDPattern = regexp.MustCompile(`^job_\d+_[a-z0-9]{6,}$`)

// fieldSpec declares one schema field of a tool.
type fieldSpec struct {
	typ      string // "string", "number", "integer", "boolean", "array", "object"
	required bool
	desc     string
	enum     []string
	min, max *float64
}

// invalidParamsData is the error.data payload of a -32602 rejection,
// enumerating every offending field.
type invalidParamsData struct {
	MissingFields []string `json:"missing_fields,omitempty"`
	InvalidFields []string `json:"invalid_fields,omitempty"`
	Hint          string   `json:"hint,omitempty"`
}

// normalizeArgs runs the full normalization pipeline for one tool call:
// global aliases, category aliases, category defaults, type coercion,
// then schema validation. It never mutates the caller's map.
func normalizeArgs(spec *toolSpec, args map[string]any) (map[string]any, *Error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	applyAliases(out, globalAliases)
	if aliases, ok := categoryAliases[spec.category]; ok {
		applyAliases(out, aliases)
	}
	if defaults, ok := categoryDefaults[spec.category]; ok {
		for k, v := range defaults {
			if _, present := out[k]; !present {
				if _, declared := spec.fields[k]; declared {
					out[k] = v
				}
			}
		}
	}

	for name, fs := range spec.fields {
		if v, ok := out[name]; ok {
			out[name] = coerce(v, fs.typ)
		}
	}

	return out, validate(spec, out)
}

// applyAliases moves aliased keys onto their canonical name. A canonical
// value already present wins over its alias.
func applyAliases(args map[string]any, aliases map[string]string) {
	for alias, canonical := range aliases {
		v, ok := args[alias]
		if !ok {
			continue
		}
		if _, present := args[canonical]; !present {
			args[canonical] = v
		}
		delete(args, alias)
	}
}

// coerce converts JSON-decoded values toward the declared type: numeric
// strings become numbers, "true"/"1" become booleans, numbers ending up
// where a string is declared are stringified. Unconvertible values pass
// through untouched and fail validation instead.
func coerce(v any, typ string) any {
	switch typ {
	case "number", "integer":
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	case "boolean":
		switch t := v.(type) {
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "true", "1":
				return true
			case "false", "0":
				return false
			}
		case float64:
			if t == 1 {
				return true
			}
			if t == 0 {
				return false
			}
		}
	case "string":
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return v
}

// validate checks required fields, types, enum membership, and ranges,
// returning one -32602 error listing everything wrong at once.
func validate(spec *toolSpec, args map[string]any) *Error {
	data := invalidParamsData{}

	names := make([]string, 0, len(spec.fields))
	for name := range spec.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fs := spec.fields[name]
		v, present := args[name]
		if !present || v == nil {
			if fs.required {
				data.MissingFields = append(data.MissingFields, name)
			}
			continue
		}
		if reason := checkField(name, fs, v); reason != "" {
			data.InvalidFields = append(data.InvalidFields, reason)
			if fs.typ == "integer" && looksLikeJobID(v) {
				data.Hint = fmt.Sprintf("%q is a job id; %s expects a numeric report id. "+
					"Use job_status with the job id first, then read report_id from its result.", asJobID(v), name)
			}
		} else if fs.required && fs.typ == "string" && strings.TrimSpace(v.(string)) == "" {
			// A blank required string is as useless as an absent one and
			// must be rejected before any side effect runs.
			data.InvalidFields = append(data.InvalidFields, fmt.Sprintf("%s: must not be empty", name))
		}
	}

	if len(data.MissingFields) == 0 && len(data.InvalidFields) == 0 {
		return nil
	}
	return &Error{
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf("invalid arguments for tool %q", spec.name),
		Data:    data,
	}
}

// checkField validates one value against its spec, returning an empty
// string when it passes.
func checkField(name string, fs fieldSpec, v any) string {
	switch fs.typ {
	case "string":
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("%s: expected string, got %T", name, v)
		}
		if len(fs.enum) > 0 && !containsString(fs.enum, s) {
			return fmt.Sprintf("%s: must be one of [%s]", name, strings.Join(fs.enum, ", "))
		}
	case "number", "integer":
		f, ok := v.(float64)
		if !ok {
			return fmt.Sprintf("%s: expected %s, got %T", name, fs.typ, v)
		}
		if fs.typ == "integer" && f != float64(int64(f)) {
			return fmt.Sprintf("%s: expected integer, got %v", name, f)
		}
		if fs.min != nil && f < *fs.min {
			return fmt.Sprintf("%s: must be >= %v", name, *fs.min)
		}
		if fs.max != nil && f > *fs.max {
			return fmt.Sprintf("%s: must be <= %v", name, *fs.max)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("%s: expected boolean, got %T", name, v)
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return fmt.Sprintf("%s: expected array, got %T", name, v)
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return fmt.Sprintf("%s: expected object, got %T", name, v)
		}
	}
	return ""
}

func looksLikeJobID(v any) bool {
	s, ok := v.(string)
	return ok && jobIDPattern.MatchString(s)
}

func asJobID(v any) string {
	s, _ := v.(string)
	return s
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// Typed argument accessors for handlers running after validation.

func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func argInt(args map[string]any, name string) int {
	f, _ := args[name].(float64)
	return int(f)
}

func argInt64(args map[string]any, name string) int64 {
	f, _ := args[name].(float64)
	return int64(f)
}

func argBool(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}

func floatPtr(f float64) *float64 { return &f }
