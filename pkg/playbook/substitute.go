package playbook

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var tokenRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Substitute replaces every {{name}} token in command with its value from
// params. Any token left unresolved is an error; an operation must never run
// with a literal placeholder in its body.
func Substitute(command string, params map[string]string) (string, error) {
	missing := make(map[string]bool)

	out := tokenRe.ReplaceAllStringFunc(command, func(tok string) string {
		name := tokenRe.FindStringSubmatch(tok)[1]
		if v, ok := params[name]; ok {
			return v
		}
		missing[name] = true
		return tok
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("unresolved tokens: %s", strings.Join(names, ", "))
	}
	return out, nil
}
