package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		development bool
		wantErr     bool
	}{
		{"public ip over https", "https://8.8.8.8/hook", false, false},
		{"plain http in production", "http://8.8.8.8/hook", false, true},
		{"loopback", "https://127.0.0.1/hook", false, true},
		{"private", "https://10.1.2.3/hook", false, true},
		{"link local metadata", "https://169.254.169.254/latest", false, true},
		{"localhost name", "https://localhost:9000/hook", false, true},
		{"internal suffix", "https://metadata.google.internal/", false, true},
		{"no host", "https:///hook", false, true},
		{"development allows localhost", "http://localhost:9000/hook", true, false},
		{"development still needs http", "ftp://localhost/hook", true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateWebhookURL(tc.url, tc.development)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
