package service

import (
	"strings"

	"golang.org/x/text/cases"
)

const (
	MinSlugLength = 3
	MaxSlugLength = 20
)

// reservedSlugs collide with routes or read as official.
var reservedSlugs = map[string]bool{
	"about": true, "admin": true, "api": true, "app": true,
	"burn": true, "config": true, "dashboard": true, "docs": true,
	"download": true, "files": true, "groups": true, "health": true,
	"help": true, "login": true, "logout": true, "m": true,
	"messages": true, "new": true, "null": true, "privacy": true,
	"root": true, "settings": true, "signup": true, "static": true,
	"stats": true, "status": true, "support": true, "system": true,
	"terms": true, "undefined": true, "uploads": true, "www": true,
}

var profanity = []string{
	"fuck", "shit", "bitch", "cunt", "dick", "cock", "pussy",
	"whore", "slut", "bastard", "asshole", "wank", "twat", "piss",
}

var leetspeak = strings.NewReplacer(
	"0", "o", "1", "i", "3", "e", "4", "a", "5", "s",
	"7", "t", "8", "b", "-", "", "_", "",
)

var fold = cases.Fold()

// ValidateSlug checks a caller-chosen alternate identifier. Availability is
// checked separately against the store.
func ValidateSlug(slug string) error {
	if len(slug) < MinSlugLength || len(slug) > MaxSlugLength {
		return invalid("slug must be %d-%d characters", MinSlugLength, MaxSlugLength)
	}
	for i, c := range slug {
		alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if i == 0 && !alnum {
			return invalid("slug must start with a letter or digit")
		}
		if !alnum && c != '-' && c != '_' {
			return invalid("slug may only contain letters, digits, '-' and '_'")
		}
	}

	folded := fold.String(slug)
	if reservedSlugs[folded] {
		return invalid("slug %q is reserved", slug)
	}
	if containsProfanity(folded) {
		return invalid("slug is not allowed")
	}
	return nil
}

func containsProfanity(s string) bool {
	plain := strings.NewReplacer("-", "", "_", "").Replace(s)
	normalized := leetspeak.Replace(s)
	for _, word := range profanity {
		if strings.Contains(plain, word) || strings.Contains(normalized, word) {
			return true
		}
	}
	return false
}
