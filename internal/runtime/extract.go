package runtime

import (
	"regexp"
	"strings"
)

// Inline context markers let runtime designers set session variables from
// plain text records: [[SET:key=value]].
var setMarkerRe = regexp.MustCompile(`\[\[SET:([^=\]]+)=([^\]]*)\]\]`)

// ExtractContext collects session variable updates from a runtime response:
// set-variables records and inline [[SET:key=value]] markers. It returns the
// merged variable map and the items with markers stripped from text payloads.
func ExtractContext(items []ResponseItem) (map[string]any, []ResponseItem) {
	vars := map[string]any{}
	cleaned := make([]ResponseItem, 0, len(items))

	for _, item := range items {
		switch item.Type {
		case ItemSetVariables:
			for k, v := range item.Variables {
				if key := strings.TrimSpace(k); key != "" {
					vars[key] = v
				}
			}
			// Consumed; nothing to deliver.
			continue
		case ItemText:
			for _, m := range setMarkerRe.FindAllStringSubmatch(item.Message, -1) {
				key := strings.TrimSpace(m[1])
				if key == "" {
					continue
				}
				vars[key] = strings.TrimSpace(m[2])
			}
			item.Message = strings.TrimSpace(setMarkerRe.ReplaceAllString(item.Message, ""))
		}
		cleaned = append(cleaned, item)
	}
	return vars, cleaned
}
