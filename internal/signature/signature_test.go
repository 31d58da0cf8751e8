package signature

import "testing"

func TestApply(t *testing.T) {
	t.Parallel()

	enabled := Signature{HTML: "<b>Jo</b>", Enabled: true}

	tests := []struct {
		name    string
		include bool
		sig     Signature
		want    string
	}{
		{"appended", true, enabled, `<p>Hi</p><br><br><div class="email-signature"><b>Jo</b></div>`},
		{"not requested", false, enabled, "<p>Hi</p>"},
		{"disabled", true, Signature{HTML: "<b>Jo</b>"}, "<p>Hi</p>"},
		{"empty html", true, Signature{Enabled: true}, "<p>Hi</p>"},
		{"blank html", true, Signature{HTML: "  \n", Enabled: true}, "<p>Hi</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Apply("<p>Hi</p>", tt.include, tt.sig); got != tt.want {
				t.Errorf("Apply: got %q, want %q", got, tt.want)
			}
		})
	}
}
