package security

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultAllowedCommands is the set of programs a build or precheck command
// may start with. Both run verbatim on the deployment host.
var DefaultAllowedCommands = map[string]bool{
	"cargo":   true,
	"cross":   true,
	"rustup":  true,
	"rustc":   true,
	"make":    true,
	"just":    true,
	"command": true, // command -v cargo
	"test":    true,
}

// CommandPolicy validates parsed commands against an allowlist.
type CommandPolicy struct {
	// AllowedCommands is the map of programs permitted as the first word.
	AllowedCommands map[string]bool
}

// NewCommandPolicy returns a policy with the default allowlist plus extra.
func NewCommandPolicy(extra ...string) *CommandPolicy {
	p := &CommandPolicy{AllowedCommands: make(map[string]bool, len(DefaultAllowedCommands)+len(extra))}
	for cmd := range DefaultAllowedCommands {
		p.AllowedCommands[cmd] = true
	}
	for _, cmd := range extra {
		p.AddAllowedCommand(cmd)
	}
	return p
}

// ValidateCommandParts checks a command before it is sent to the remote
// host: the program must be allowed and no argument may contain shell
// metacharacters.
func (p *CommandPolicy) ValidateCommandParts(cmdParts []string) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}

	baseCmd := cmdParts[0]
	if !p.AllowedCommands[baseCmd] {
		return fmt.Errorf("command not allowed: %s (must be one of: %s)",
			baseCmd, strings.Join(p.allowedCommandsList(), ", "))
	}

	for i, arg := range cmdParts[1:] {
		if ContainsShellMetachars(arg) {
			return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
		}
	}
	return nil
}

// AddAllowedCommand adds a program to the allowlist. Names with a path or
// shell metacharacters are ignored.
func (p *CommandPolicy) AddAllowedCommand(cmd string) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || strings.Contains(cmd, "/") || ContainsShellMetachars(cmd) {
		return
	}
	p.AllowedCommands[cmd] = true
}

// IsCommandAllowed checks if a program is in the allowlist.
func (p *CommandPolicy) IsCommandAllowed(cmd string) bool {
	return p.AllowedCommands[cmd]
}

func (p *CommandPolicy) allowedCommandsList() []string {
	commands := make([]string, 0, len(p.AllowedCommands))
	for cmd := range p.AllowedCommands {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}
