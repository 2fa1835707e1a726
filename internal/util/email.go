package util

import (
	"regexp"
	"strings"
)

var emailRe = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// NormalizeEmail lowercases the address, collapses repeated dots and strips a trailing dot.
// It returns "" when the result is not a plausible address.
func NormalizeEmail(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.TrimRight(s, ".")
	if !emailRe.MatchString(s) {
		return ""
	}
	return s
}

func ValidEmail(s string) bool { return emailRe.MatchString(s) }

// DomainOf returns the lowercased part after the last "@", or "".
func DomainOf(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}
