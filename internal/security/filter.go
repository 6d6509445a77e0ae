package security

import (
	"fmt"
	"regexp"

	"github.com/acolita/sshkit/internal/failure"
)

// CommandFilter filters commands with blocklist and allowlist patterns.
// It is immutable after construction.
type CommandFilter struct {
	blocklist []*regexp.Regexp
	allowlist []*regexp.Regexp
}

// NewCommandFilter compiles the given patterns.
func NewCommandFilter(blocklist, allowlist []string) (*CommandFilter, error) {
	cf := &CommandFilter{}

	for _, pattern := range blocklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocklist pattern %q: %w", pattern, err)
		}
		cf.blocklist = append(cf.blocklist, re)
	}

	for _, pattern := range allowlist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist pattern %q: %w", pattern, err)
		}
		cf.allowlist = append(cf.allowlist, re)
	}

	return cf, nil
}

// IsAllowed reports whether command may run and, if not, why.
func (cf *CommandFilter) IsAllowed(command string) (bool, string) {
	for _, re := range cf.blocklist {
		if re.MatchString(command) {
			return false, fmt.Sprintf("command blocked by pattern: %s", re.String())
		}
	}

	if len(cf.allowlist) > 0 {
		for _, re := range cf.allowlist {
			if re.MatchString(command) {
				return true, ""
			}
		}
		return false, "command not in allowlist"
	}

	return true, ""
}

// Check returns a CommandBlocked failure for a disallowed command. A nil
// filter allows everything.
func (cf *CommandFilter) Check(command string) error {
	if cf == nil {
		return nil
	}
	if ok, reason := cf.IsAllowed(command); !ok {
		return failure.New(failure.CommandBlocked, "execute", fmt.Errorf("%s", reason))
	}
	return nil
}

// DefaultBlocklist returns commonly destructive patterns.
func DefaultBlocklist() []string {
	return []string{
		`rm\s+-rf\s+/\s*$`,          // rm -rf /
		`rm\s+-rf\s+/\*`,            // rm -rf /*
		`mkfs\.`,                    // mkfs commands
		`dd\s+.*of=/dev/[sh]d`,      // dd to raw devices
		`:\s*\(\s*\)\s*\{\s*:\s*\|`, // fork bomb
		`>\s*/dev/[sh]d`,            // redirect to raw devices
	}
}
