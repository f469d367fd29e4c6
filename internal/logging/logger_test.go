package logging

import "testing"

func TestNewBuildsBothModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		development bool
	}{
		{name: "development", development: true},
		{name: "production", development: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tt.development)
			if err != nil {
				t.Fatalf("New(%v) error = %v", tt.development, err)
			}
			if logger == nil {
				t.Fatalf("New(%v) returned nil logger", tt.development)
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			logger.Info("logger ready")
		})
	}
}
