package server

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LoadTemplates reads the pre-rendered response bodies from dir. File names
// are the URL-encoded response names they answer. JSON templates are parsed
// and re-serialized with the {INSTANCE} and {PUBLIC_KEY} placeholders
// substituted; other files are served verbatim.
func LoadTemplates(dir, instance, publicKeyPEM string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", dir, err)
	}

	escapedKey := strings.ReplaceAll(publicKeyPEM, "\n", "\\n")

	templates := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}

		if strings.HasSuffix(name, ".json") {
			var parsed interface{}
			if err := json.Unmarshal(data, &parsed); err != nil {
				return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
			}
			stringified, err := json.Marshal(parsed)
			if err != nil {
				return nil, fmt.Errorf("serialize template %s: %w", name, err)
			}
			body := strings.ReplaceAll(string(stringified), "{INSTANCE}", instance)
			body = strings.ReplaceAll(body, "{PUBLIC_KEY}", escapedKey)
			templates[name] = body
		} else {
			templates[name] = string(data)
		}
	}
	return templates, nil
}

// ResponseName builds the template lookup key for a request.
func ResponseName(method, path, query string) string {
	name := fmt.Sprintf("%s_%s.json", method, path)
	if query != "" {
		name = fmt.Sprintf("%s_%s?%s.json", method, path, query)
	}
	return url.QueryEscape(name)
}
