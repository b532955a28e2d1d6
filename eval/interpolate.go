package eval

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Lookup resolves a dotted path ("vars.name", "message.text") against the
// scope. Paths may also be written jsonpath-style ("$.vars.name").
func Lookup(path string, scope map[string]any) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	value, err := jsonpath.JsonPathLookup(scope, path)
	if err != nil || value == nil {
		return nil, false
	}
	return value, true
}

// Interpolate replaces every {{path}} token in s with the value resolved
// from the scope. Unresolvable tokens become the Undefined sentinel. A
// string that is exactly one token resolves to the raw value, preserving
// its type for non-string variables.
func Interpolate(s string, scope map[string]any) any {
	tokens := tokenPattern.FindAllStringSubmatch(s, -1)
	if len(tokens) == 0 {
		return s
	}
	if len(tokens) == 1 && strings.TrimSpace(s) == tokens[0][0] {
		value, ok := Lookup(tokens[0][1], scope)
		if !ok {
			return Undefined
		}
		return value
	}
	out := s
	for _, t := range tokens {
		value, ok := Lookup(t[1], scope)
		if !ok {
			value = Undefined
		}
		out = strings.Replace(out, t[0], fmt.Sprintf("%v", value), 1)
	}
	return out
}

// InterpolateString is Interpolate with the result rendered as a string.
func InterpolateString(s string, scope map[string]any) string {
	return fmt.Sprintf("%v", Interpolate(s, scope))
}

// References lists the {{...}} paths a template string refers to.
func References(s string) []string {
	var out []string
	for _, t := range tokenPattern.FindAllStringSubmatch(s, -1) {
		out = append(out, strings.TrimSpace(t[1]))
	}
	return out
}

// ResolveParams resolves a node's config payload against the scope:
// strings are interpolated, nested maps and lists are walked, everything
// else passes through untouched.
func ResolveParams(params map[string]any, scope map[string]any) map[string]any {
	output := make(map[string]any, len(params))
	for k, v := range params {
		output[k] = resolveValue(v, scope)
	}
	return output
}

func resolveValue(v any, scope map[string]any) any {
	switch tv := v.(type) {
	case map[string]any:
		return ResolveParams(tv, scope)
	case []any:
		out := make([]any, 0, len(tv))
		for _, item := range tv {
			out = append(out, resolveValue(item, scope))
		}
		return out
	case string:
		return Interpolate(tv, scope)
	default:
		return v
	}
}
