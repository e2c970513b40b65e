package univention

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// Info is the part of `univention-app info --as-json` the reconciler needs.
// Identifiers are normalized: the tool reports installed apps as "id=version".
type Info struct {
	Installed  []string
	Upgradable []string
}

// parseAppList parses `univention-app list --ids-only`: one identifier per
// line, surrounding whitespace and blank lines ignored.
func parseAppList(stdout string) []string {
	var ids []string
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ids = append(ids, line)
	}
	return ids
}

// parseInfo decodes the info JSON object. Both the installed and upgradable
// fields must be present; a null list is treated as empty.
func parseInfo(data []byte) (*Info, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse info output: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("parse info output: not a JSON object")
	}

	installed, err := decodeIDList(raw, "installed")
	if err != nil {
		return nil, err
	}
	upgradable, err := decodeIDList(raw, "upgradable")
	if err != nil {
		return nil, err
	}

	return &Info{Installed: installed, Upgradable: upgradable}, nil
}

func decodeIDList(raw map[string]json.RawMessage, field string) ([]string, error) {
	msg, ok := raw[field]
	if !ok {
		return nil, fmt.Errorf("parse info output: missing %q field", field)
	}
	var entries []string
	if err := json.Unmarshal(msg, &entries); err != nil {
		return nil, fmt.Errorf("parse info output: field %q: %w", field, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if id := appID(entry); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// appID strips the "=version" suffix from an info entry.
func appID(entry string) string {
	id, _, _ := strings.Cut(strings.TrimSpace(entry), "=")
	return strings.TrimSpace(id)
}
