package dispatcher

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

var (
	ErrMissingTemplate = errors.New("missing template_id")
	ErrMissingProfile  = errors.New("missing profile_id")
	ErrEmptyBody       = errors.New("missing body content")
)

type GuardConfig struct {
	// RecipientPatterns block placeholder and test addresses.
	RecipientPatterns []string
	// DenyRecipients are exact addresses that must never be contacted.
	DenyRecipients []string
	// ContentPatterns flag stale or fallback copy in subject or body.
	ContentPatterns   []string
	RequireProvenance bool
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RecipientPatterns: []string{
			`\byouremail\b`,
			`\bexample\.(com|org|net)\b`,
			`\byou\+test\b`,
			`\bfriend-test-\d+@`,
			`\bbouncetest-\d+@`,
			`\bdefinitely-not-a-real-domain\b`,
			`^(no-?reply|donotreply)@`,
		},
		ContentPatterns: []string{
			`Open to a quick note\?`,
			`Quick question about your website`,
			`\{\{\s*\w+\s*\}\}`,
		},
		RequireProvenance: true,
	}
}

// Guards are the hard safety checks applied to a claimed job before it can be sent.
type Guards struct {
	recipients        []*regexp.Regexp
	content           []*regexp.Regexp
	deny              map[string]bool
	requireProvenance bool
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("guard pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func NewGuards(cfg GuardConfig) (*Guards, error) {
	rec, err := compile(cfg.RecipientPatterns)
	if err != nil {
		return nil, err
	}
	content, err := compile(cfg.ContentPatterns)
	if err != nil {
		return nil, err
	}
	deny := make(map[string]bool, len(cfg.DenyRecipients))
	for _, r := range cfg.DenyRecipients {
		deny[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return &Guards{recipients: rec, content: content, deny: deny, requireProvenance: cfg.RequireProvenance}, nil
}

// BlockedRecipient expects a normalized address.
func (g *Guards) BlockedRecipient(addr string) bool {
	if g.deny[addr] {
		return true
	}
	for _, re := range g.recipients {
		if re.MatchString(addr) {
			return true
		}
	}
	return false
}

// Policy checks an outreach job's provenance and content. Friendly jobs are exempt.
func (g *Guards) Policy(j model.Job) error {
	if !j.Outreach() {
		return nil
	}
	if g.requireProvenance {
		if strings.TrimSpace(j.TemplateID) == "" {
			return ErrMissingTemplate
		}
		if strings.TrimSpace(j.ProfileID) == "" {
			return ErrMissingProfile
		}
	}
	if strings.TrimSpace(j.Body) == "" {
		return ErrEmptyBody
	}
	text := j.Subject + "\n" + j.Body
	for _, re := range g.content {
		if re.MatchString(text) {
			return fmt.Errorf("stale content matched %q", strings.TrimPrefix(re.String(), "(?i)"))
		}
	}
	return nil
}
