package campaign

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z]+)\}`)

// Render substitutes {key} placeholders from vars. Placeholders with no
// entry in vars are kept verbatim so template typos show up in the output.
func Render(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the distinct placeholder names used by a template
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// KnownPlaceholder reports whether a recipient can fill the placeholder
func KnownPlaceholder(name string) bool {
	switch name {
	case "name", "membershipNumber", "phone", "days", "packageName":
		return true
	}
	return false
}
