// Package template implements placeholder substitution over JSON data and
// attachment extraction for templated providers and webhooks.
//
// Templates use {{path}} or ${path} placeholders. The path is a
// dot-separated sequence of object keys; numeric segments index into
// arrays. Lookup is delegated to gjson.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// placeholderRegex matches {{ path }} and ${ path } with optional
// whitespace around the path.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}|\$\{\s*([^{}$]+?)\s*\}`)

// Processor applies templates to JSON data.
type Processor struct {
	// Strict makes a missing path an error instead of leaving the
	// placeholder literal in the output.
	Strict bool
}

// Apply substitutes every placeholder in tmpl with the value found at its
// path within the JSON document data.
func (p *Processor) Apply(tmpl string, data []byte) (string, error) {
	var missing []string

	result := placeholderRegex.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := extractPath(match)
		value := gjson.GetBytes(data, path)
		if !value.Exists() {
			missing = append(missing, path)
			return match
		}
		return stringify(value)
	})

	if p.Strict && len(missing) > 0 {
		return "", fmt.Errorf("template paths not found in data: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// ApplyMap renders tmpl against an in-memory map by round-tripping it
// through JSON.
func (p *Processor) ApplyMap(tmpl string, data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding template data: %w", err)
	}
	return p.Apply(tmpl, raw)
}

// HasPlaceholders reports whether s contains any unresolved placeholder.
func HasPlaceholders(s string) bool {
	return placeholderRegex.MatchString(s)
}

func extractPath(match string) string {
	groups := placeholderRegex.FindStringSubmatch(match)
	// groups[1] is the {{..}} capture, groups[2] the ${..} capture.
	if groups[1] != "" {
		return strings.TrimSpace(groups[1])
	}
	return strings.TrimSpace(groups[2])
}

func stringify(value gjson.Result) string {
	switch value.Type {
	case gjson.JSON:
		// Objects and arrays keep their raw JSON form.
		return value.Raw
	case gjson.Null:
		return ""
	default:
		return value.String()
	}
}
