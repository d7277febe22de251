package dispatch

import "regexp"

// Шаблоны команд, которые не принимаем ни при каких условиях: шлюз в поле,
// до него после "rm -rf /" уже не доехать.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*f[a-zA-Z]*\s+)?/\s*$`),
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*r[a-zA-Z]*\s+-[a-zA-Z]*f[a-zA-Z]*\s+/\s*$`),
	regexp.MustCompile(`\bsysupgrade\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bfirstboot\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bpasswd\b`),
	regexp.MustCompile(`\breboot\b.*-f`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(sh|bash)`),
	regexp.MustCompile(`\bwget\b.*\|\s*(sh|bash)`),
	regexp.MustCompile(`\bopkg\s+remove\b`),
}

func commandBlocked(command string) bool {
	for _, p := range blockedPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}
