package util

import "strings"

// NormalizeEmail lowercases and trims an email address so lookups and
// rate-limit scopes treat User@Example.com and user@example.com as one.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone trims whitespace and strips the separators people paste in.
// It does not attempt country-code inference; callers validate with IsPhone.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '-', '(', ')', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsEmail reports whether s looks like a deliverable address. Full RFC 5322
// validation belongs to the subject directory; this only rejects obvious junk.
func IsEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return false
	}
	domain := s[at+1:]
	if strings.IndexByte(domain, '@') >= 0 {
		return false
	}
	dot := strings.IndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}

// IsPhone reports whether s is an E.164 number: a plus sign followed by
// 8 to 15 digits.
func IsPhone(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
