package exec

import "regexp"

// DangerousPatterns matches whole command strings known to be destructive
// regardless of how their arguments are quoted or spaced. The exec built-in
// tool rejects a command outright if any of these match.
var DangerousPatterns = []*regexp.Regexp{
	// recursive delete of a filesystem root
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+/(\s|$)`),
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+(--no-preserve-root\s+)?/\*`),
	// fork bomb
	regexp.MustCompile(`:\(\)\s*{\s*:\s*\|\s*:\s*&\s*}\s*;?\s*:`),
	// raw device writes
	regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/(sd|hd|nvme|disk|rdisk)`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|nvme)[a-z0-9]*\b`),
	// filesystem format
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`\bmkswap\b`),
}

// IsDangerousCommand reports whether command matches a known-destructive
// pattern.
func IsDangerousCommand(command string) bool {
	for _, p := range DangerousPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}
