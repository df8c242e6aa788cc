package session

import "testing"

func TestDeriveSessionIDIsDeterministic(t *testing.T) {
	a := DeriveSessionID(1, 2, "hello world")
	b := DeriveSessionID(1, 2, "hello world")
	if a != b {
		t.Fatalf("expected deterministic derivation, got %q vs %q", a, b)
	}

	c := DeriveSessionID(1, 2, "different message")
	if a == c {
		t.Fatal("expected different first messages to derive different session ids")
	}

	d := DeriveSessionID(1, 3, "hello world")
	if a == d {
		t.Fatal("expected different keys to derive different session ids")
	}
}

func TestExtractClientSessionID(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{
			name: "present",
			body: map[string]any{"metadata": map[string]any{"user_id": "abc123"}},
			want: "abc123",
		},
		{
			name: "missing metadata",
			body: map[string]any{},
			want: "",
		},
		{
			name: "metadata wrong type",
			body: map[string]any{"metadata": "not-a-map"},
			want: "",
		},
		{
			name: "user_id wrong type",
			body: map[string]any{"metadata": map[string]any{"user_id": 123}},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractClientSessionID(tt.body); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
