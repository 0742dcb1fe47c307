package runs

import "strings"

const redactedSecret = "********"

// MaskEmail obscures the local part of an address, keeping one leading
// character for very short names and two otherwise. Input without "@" masks
// to "***".
func MaskEmail(address string) string {
	local, domain, ok := strings.Cut(address, "@")
	runes := []rune(local)
	if !ok || len(runes) == 0 {
		return "***"
	}
	keep := 2
	if len(runes) <= 2 {
		keep = 1
	}
	return string(runes[:keep]) + strings.Repeat("*", len(runes)-keep) + "@" + domain
}

// Redactor rewrites a log line so that neither the secret nor the raw
// identity it belongs to appear in it.
type Redactor struct {
	replacer *strings.Replacer
}

func NewRedactor(identity, secret string) *Redactor {
	var pairs []string
	// Longer needles first so a secret containing the address wins.
	if secret != "" && len(secret) >= len(identity) {
		pairs = append(pairs, secret, redactedSecret)
	}
	if identity != "" {
		pairs = append(pairs, identity, MaskEmail(identity))
	}
	if secret != "" && len(secret) < len(identity) {
		pairs = append(pairs, secret, redactedSecret)
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

func (r *Redactor) Redact(line string) string {
	if r == nil || r.replacer == nil {
		return line
	}
	return r.replacer.Replace(line)
}
