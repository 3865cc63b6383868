// Package formatter implements the pure Render function (C3) that turns
// secret data into the bytes written to disk by the atomic writer.
package formatter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zncore/vault-agent/internal/domain"
)

// Options carries the format-specific parameters named in spec §4.3.
type Options struct {
	EnvPrefix    string
	RawKey       string
	TemplateBody string // the loaded contents of TemplatePath
}

var envKeyUnsafe = regexp.MustCompile(`[^A-Z0-9_]`)

// Render renders data according to format, returning the exact bytes to
// write to disk. It performs no I/O itself; callers load template files
// before calling Render so the function stays pure and testable.
func Render(data map[string]any, format domain.OutputFormat, opts Options) ([]byte, error) {
	switch format {
	case domain.FormatEnv:
		return renderEnv(data, opts.EnvPrefix)
	case domain.FormatJSON:
		return renderJSON(data)
	case domain.FormatYAML:
		return renderYAML(data)
	case domain.FormatRaw:
		return renderRaw(data, opts.RawKey)
	case domain.FormatTemplate:
		return renderTemplate(data, opts.TemplateBody)
	case domain.FormatNone:
		return nil, fmt.Errorf("formatter: format \"none\" is subscribe-only and must not be rendered")
	default:
		return nil, fmt.Errorf("formatter: unknown format %q", format)
	}
}

func envSafeKey(key string) string {
	return envKeyUnsafe.ReplaceAllString(strings.ToUpper(key), "_")
}

func envEscape(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `"`, `\"`)
	value = strings.ReplaceAll(value, "\n", `\n`)
	return value
}

func stringify(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("formatter: marshal value: %w", err)
	}
	return string(b), nil
}

func renderEnv(data map[string]any, prefix string) ([]byte, error) {
	keys := sortedKeys(data)
	var sb strings.Builder
	for _, k := range keys {
		valueStr, err := stringify(data[k])
		if err != nil {
			return nil, err
		}

		var fullKey string
		if prefix == "" {
			fullKey = envSafeKey(k)
		} else if strings.HasSuffix(prefix, "_") {
			fullKey = prefix + envSafeKey(k)
		} else {
			fullKey = prefix + "_" + envSafeKey(k)
		}

		sb.WriteString(fullKey)
		sb.WriteString(`="`)
		sb.WriteString(envEscape(valueStr))
		sb.WriteString("\"\n")
	}
	return []byte(sb.String()), nil
}

func renderJSON(data map[string]any) ([]byte, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("formatter: marshal json: %w", err)
	}
	return append(b, '\n'), nil
}

var yamlQuoteNeeded = regexp.MustCompile(`\n|:|#|^ `)

func renderYAML(data map[string]any) ([]byte, error) {
	keys := sortedKeys(data)
	var sb strings.Builder
	for _, k := range keys {
		v := data[k]
		var valueStr string
		if s, ok := v.(string); ok {
			if yamlQuoteNeeded.MatchString(s) {
				escaped := strings.ReplaceAll(s, `"`, `\"`)
				escaped = strings.ReplaceAll(escaped, "\n", `\n`)
				valueStr = `"` + escaped + `"`
			} else {
				valueStr = s
			}
		} else {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("formatter: marshal yaml value: %w", err)
			}
			valueStr = string(b)
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(valueStr)
		sb.WriteString("\n")
	}
	return []byte(sb.String()), nil
}

func renderRaw(data map[string]any, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("formatter: raw format requires options.key")
	}
	v, ok := data[key]
	if !ok {
		return nil, fmt.Errorf("formatter: key %q not present in secret data", key)
	}
	s, err := stringify(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

var templatePlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

func renderTemplate(data map[string]any, body string) ([]byte, error) {
	if body == "" {
		return nil, fmt.Errorf("formatter: template format requires a loaded template file")
	}
	out := templatePlaceholder.ReplaceAllStringFunc(body, func(match string) string {
		sub := templatePlaceholder.FindStringSubmatch(match)
		key := sub[1]
		v, ok := data[key]
		if !ok {
			return match
		}
		s, err := stringify(v)
		if err != nil {
			return match
		}
		return s
	})
	return []byte(out), nil
}

func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
