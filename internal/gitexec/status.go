package gitexec

import (
	"strconv"
	"strings"
)

// Change is one modified path from git status.
type Change struct {
	Path   string `json:"path"`
	Status string `json:"status"` // two-character XY status code, or "??" / "u"
}

// Status is the parsed result of git status --porcelain=v2 --branch.
type Status struct {
	Branch  string   `json:"branch"`
	Ahead   int      `json:"ahead"`
	Behind  int      `json:"behind"`
	Clean   bool     `json:"clean"`
	Changes []Change `json:"changes"`
}

// parseStatusV2 parses porcelain v2 output with branch headers.
func parseStatusV2(out string) *Status {
	st := &Status{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			st.Branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.ab "):
			// "# branch.ab +<ahead> -<behind>"
			fields := strings.Fields(strings.TrimPrefix(line, "# branch.ab "))
			for _, f := range fields {
				if strings.HasPrefix(f, "+") {
					st.Ahead, _ = strconv.Atoi(f[1:])
				} else if strings.HasPrefix(f, "-") {
					st.Behind, _ = strconv.Atoi(f[1:])
				}
			}
		case strings.HasPrefix(line, "1 "), strings.HasPrefix(line, "2 "):
			// "1 XY sub mH mI mW hH hI path" / renames add "score path\torigPath"
			fields := strings.SplitN(line, " ", 9)
			if len(fields) < 9 {
				continue
			}
			path := fields[8]
			if strings.HasPrefix(line, "2 ") {
				// rename entries carry "path\torigPath" after the score field
				if parts := strings.SplitN(path, "\t", 2); len(parts) == 2 {
					path = parts[0]
				}
				if idx := strings.Index(path, " "); idx >= 0 {
					path = path[idx+1:]
				}
			}
			st.Changes = append(st.Changes, Change{Path: path, Status: fields[1]})
		case strings.HasPrefix(line, "u "):
			fields := strings.SplitN(line, " ", 11)
			if len(fields) < 11 {
				continue
			}
			st.Changes = append(st.Changes, Change{Path: fields[10], Status: "u"})
		case strings.HasPrefix(line, "? "):
			st.Changes = append(st.Changes, Change{Path: strings.TrimPrefix(line, "? "), Status: "??"})
		}
	}
	st.Clean = len(st.Changes) == 0
	return st
}

// parseAheadBehind parses "ahead<TAB>behind" from rev-list --left-right --count.
func parseAheadBehind(out string) (ahead, behind int) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 2 {
		ahead, _ = strconv.Atoi(fields[0])
		behind, _ = strconv.Atoi(fields[1])
	}
	return ahead, behind
}
