package remote

import (
	"flipdeploy/pkg/cmdutil"
)

// Privileged quotes parts into a shell command, prefixed with sudo when
// sudo is true.
func Privileged(sudo bool, parts ...string) string {
	if sudo {
		parts = append([]string{"sudo"}, parts...)
	}
	return cmdutil.ShellJoin(parts...)
}
