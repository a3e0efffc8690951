package sandbox

import (
	"regexp"
	"strings"
)

// shellMeta are the characters stripped from interactive commands.
const shellMeta = ";&|$`<>"

// Sanitize strips shell metacharacters that could break out of the single
// command handed to the runtime shell. It is a second line of defence; the
// runtime is the isolation boundary.
func Sanitize(cmd string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(shellMeta, r) {
			return -1
		}
		return r
	}, cmd)
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}
	return ansiEscape.ReplaceAllString(s, "")
}
