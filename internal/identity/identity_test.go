package identity

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+15551234567", "+15551234567"},
		{"  +15551234567 ", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"(555) 123-4567", "+5551234567"},
		{"555 123 4567", "+5551234567"},
		{"", "+"},
		{"abc", "+"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("15551234567", "+15551234567") {
		t.Fatal("digits-only and plus-prefixed forms should match")
	}
	if !Equal("555-123-4567", "5551234567") {
		t.Fatal("punctuation should not affect identity")
	}
	if Equal("+15551234567", "+25551234567") {
		t.Fatal("different numbers should not match")
	}
}
