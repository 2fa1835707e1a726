// Package bounce classifies delivery failures as hard (suppress the address) or soft
// (transient, retry through the normal follow-up path).
package bounce

import (
	"regexp"
	"strings"
)

type Kind string

const (
	Hard Kind = "hard"
	Soft Kind = "soft"
)

func (k Kind) String() string { return string(k) }

var (
	dsnRe  = regexp.MustCompile(`\b([245])\.(\d{1,3})\.(\d{1,3})\b`)
	smtpRe = regexp.MustCompile(`\b([245])\d{2}\b`)

	hardDSN = regexp.MustCompile(`^5\.(1\.(0|1|3|10)|4\.\d+)$`)
	softDSN = regexp.MustCompile(`^5\.(2\.(0|2|3)|7\.\d+)$`)
)

var hardPhrases = []string{
	"user unknown",
	"unknown user",
	"no such user",
	"recipient address rejected",
	"bad destination mailbox address",
	"invalid recipient",
	"mailbox unavailable",
	"mailbox does not exist",
	"unrouteable address",
	"address does not exist",
	"domain does not exist",
	"host or domain name not found",
	"nxdomain",
	"unresolvable destination domain",
	"no mx record",
}

var softPhrases = []string{
	"mailbox full",
	"over quota",
	"quota exceeded",
	"resources temporarily unavailable",
	"temporary failure",
	"try again later",
	"server busy",
	"rate limit",
	"rate limited",
	"too many connections",
	"connection timed out",
	"greylist",
	"graylist",
	"temporar",
}

// policy rejections are reputation problems, not dead addresses
var policyPhrases = []string{
	"spam",
	"blocked",
	"policy",
	"blacklist",
	"listed",
	"spf",
	"dkim",
	"dmarc",
	"authentication required",
	"relay access denied",
	"message rejected for policy reasons",
}

// Classify inspects free-form failure text. Empty or ambiguous input is soft.
func Classify(text string) Kind {
	return ClassifyWithCode("", text)
}

// ClassifyWithCode prefers a structured enhanced status code (e.g. "5.1.1") when given,
// then codes found in the text, then keyword heuristics.
func ClassifyWithCode(code, text string) Kind {
	if k, ok := fromDSN(strings.TrimSpace(code)); ok {
		return k
	}

	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Soft
	}

	if k, ok := fromCodes(dsnRe.FindAllString(t, -1)); ok {
		return k
	}
	if m := smtpRe.FindStringSubmatch(t); m != nil && m[1] == "4" {
		return Soft
	}

	if containsAny(t, hardPhrases) {
		return Hard
	}
	if containsAny(t, softPhrases) || containsAny(t, policyPhrases) {
		return Soft
	}
	return Soft
}

func fromDSN(code string) (Kind, bool) {
	if code == "" {
		return "", false
	}
	return fromCodes(dsnRe.FindAllString(code, -1))
}

// fromCodes looks at every enhanced code in the text. Any 4.x.x makes the failure
// transient. Otherwise a hard 5.x.x sub-code anywhere beats a soft one.
func fromCodes(codes []string) (Kind, bool) {
	for _, c := range codes {
		if strings.HasPrefix(c, "4.") {
			return Soft, true
		}
	}
	for _, c := range codes {
		if hardDSN.MatchString(c) {
			return Hard, true
		}
	}
	for _, c := range codes {
		if softDSN.MatchString(c) {
			return Soft, true
		}
	}
	return "", false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
