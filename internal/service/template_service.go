package service

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"outreach/internal/models"
)

// Placeholders substituted from the user record itself
const (
	PlaceholderUsername    = "username"
	PlaceholderDisplayName = "display_name"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// TemplateService renders message templates for one recipient
type TemplateService struct{}

// NewTemplateService creates a new template service
func NewTemplateService() *TemplateService {
	return &TemplateService{}
}

// Render produces the final text for user.
//
// The pipeline is trim, unescape, substitute, trim:
//  1. surrounding whitespace and one pair of matching quotes are removed
//  2. literal \n becomes a newline and literal \r is dropped
//  3. each recognized placeholder is filled from the user (username,
//     display_name) or from its profile attributes
//  4. non-nil task overrides replace their placeholders; a name with an
//     override is skipped in step 3 so the override wins
//  5. leftover leading and trailing quote characters are removed
//
// Placeholders with no value are left in the text unchanged.
func (s *TemplateService) Render(template *models.MessageTemplate, user *models.User, overrides models.Variables) string {
	text := unquote(template.Content)
	text = unescape(text)
	text = substituteUser(text, template.Variables, user, overrides)
	text = applyOverrides(text, overrides)
	return trimQuotes(text)
}

// Placeholders extracts the distinct {name} tokens of content in order of
// first appearance
func (s *TemplateService) Placeholders(content string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

func unquote(content string) string {
	text := strings.TrimSpace(content)
	if len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if first == last && (first == '"' || first == '\'') {
			text = text[1 : len(text)-1]
		}
	}
	return text
}

func unescape(text string) string {
	text = strings.ReplaceAll(text, `\n`, "\n")
	return strings.ReplaceAll(text, `\r`, "")
}

func substituteUser(text string, names []string, user *models.User, overrides models.Variables) string {
	if user == nil {
		return text
	}

	for _, name := range names {
		if overrides[name] != nil {
			continue
		}
		placeholder := "{" + name + "}"
		switch name {
		case PlaceholderUsername:
			text = strings.ReplaceAll(text, placeholder, user.Username)
		case PlaceholderDisplayName:
			text = strings.ReplaceAll(text, placeholder, user.Name())
		default:
			if value, ok := user.ProfileData[name]; ok && value != nil {
				text = strings.ReplaceAll(text, placeholder, attributeString(value))
			}
		}
	}
	return text
}

func applyOverrides(text string, overrides models.Variables) string {
	// Sorted for a deterministic result when an override value itself
	// contains another placeholder
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if value := overrides[name]; value != nil {
			text = strings.ReplaceAll(text, "{"+name+"}", *value)
		}
	}
	return text
}

func trimQuotes(text string) string {
	return strings.Trim(strings.Trim(text, "'"), `"`)
}

// attributeString formats a decoded JSON profile attribute
func attributeString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
