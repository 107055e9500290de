// Package deps checks the external binaries chanpost shells out to.
package deps

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrMissing = errors.New("binary not found in PATH")

// Requirement defines an external binary dependency.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Requirement
	Available bool
	Path      string
	Detail    string
}

// Check resolves one command. It returns the absolute path or an error
// wrapping ErrMissing.
func Check(command string) (string, error) {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return "", fmt.Errorf("%w: command not configured", ErrMissing)
	}
	p, err := exec.LookPath(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMissing, cmd)
	}
	return p, nil
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		req.Command = strings.TrimSpace(req.Command)
		st := Status{Requirement: req}
		if p, err := Check(req.Command); err != nil {
			st.Detail = err.Error()
		} else {
			st.Available = true
			st.Path = p
		}
		results = append(results, st)
	}
	return results
}

// Missing returns the required (non-optional) statuses that are unavailable.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}
