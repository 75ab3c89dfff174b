package activity

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/s9nkit/devops-agent/internal/registry"
)

// readEntries parses every well-formed line of an activity log. Damaged
// lines (e.g. from a crash mid-append) are skipped.
func readEntries(path string) ([]registry.ActivityEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var entries []registry.ActivityEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry registry.ActivityEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
