package supervisor

import (
	"fmt"

	"mvdan.cc/sh/v3/shell"
)

// SplitCommand turns a configured command string into argv fields using the
// shfmt parser. The resulting process is exec'd directly, never through a
// shell, so there is no interpolation surface.
func SplitCommand(command string) ([]string, error) {
	fields, err := shell.Fields(command, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return fields, nil
}
