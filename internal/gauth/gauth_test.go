package gauth

import (
	"errors"
	"testing"

	"golang.org/x/oauth2"
)

func TestBearer(t *testing.T) {
	tests := []struct {
		name    string
		ts      oauth2.TokenSource
		want    string
		wantErr error
	}{
		{"static", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc"}), "abc", nil},
		{"empty", oauth2.StaticTokenSource(&oauth2.Token{}), "", ErrNoToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Bearer(tt.ts)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Bearer() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Bearer() = %q, want %q", got, tt.want)
			}
		})
	}
}
