// Package signature appends a user's stored HTML signature to outgoing mail.
package signature

import "strings"

// Signature is a user's stored signature settings.
type Signature struct {
	HTML    string
	Enabled bool
}

// Apply returns bodyHTML with the signature block appended when include is
// set, the signature is enabled and its HTML is non-blank. Otherwise the
// body is returned unchanged.
func Apply(bodyHTML string, include bool, sig Signature) string {
	if !include || !sig.Enabled || strings.TrimSpace(sig.HTML) == "" {
		return bodyHTML
	}
	return bodyHTML + `<br><br><div class="email-signature">` + sig.HTML + `</div>`
}
