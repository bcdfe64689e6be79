package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"https://example.com", "https://example.com", "example.com", true},
		{"https://Example.COM", "https://example.com", "example.com", true},
		{"https://example.com:443", "https://example.com", "example.com", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"http://example.com:8080", "http://example.com:8080", "example.com:8080", true},
		{"https://[::1]:8443", "https://[::1]:8443", "[::1]:8443", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"example.com", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com?q=1", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
	}
	for _, tt := range tests {
		norm, host, ok := NormalizeHeader(tt.in)
		if norm != tt.wantNorm || host != tt.wantHost || ok != tt.wantOK {
			t.Errorf("NormalizeHeader(%q) = %q,%q,%v; want %q,%q,%v",
				tt.in, norm, host, ok, tt.wantNorm, tt.wantHost, tt.wantOK)
		}
	}
}

func TestIsAllowed_Allowlist(t *testing.T) {
	allowlist := []string{"https://app.example.com", "http://localhost:3000"}

	if !IsAllowed("https://app.example.com", "app.example.com", "relay.internal", allowlist) {
		t.Fatalf("allowlisted origin rejected")
	}
	if !IsAllowed("http://localhost:3000", "localhost:3000", "relay.internal", allowlist) {
		t.Fatalf("allowlisted localhost origin rejected")
	}
	if IsAllowed("https://evil.example.com", "evil.example.com", "relay.internal", allowlist) {
		t.Fatalf("non-allowlisted origin accepted")
	}
	if !IsAllowed("https://anything.example", "anything.example", "relay.internal", []string{"*"}) {
		t.Fatalf("wildcard did not allow")
	}
}

func TestIsAllowed_SameHostDefault(t *testing.T) {
	if !IsAllowed("https://relay.example.com", "relay.example.com", "relay.example.com", nil) {
		t.Fatalf("same-host origin rejected")
	}
	if !IsAllowed("https://relay.example.com", "relay.example.com", "relay.example.com:443", nil) {
		t.Fatalf("default port on request host not treated as equivalent")
	}
	if IsAllowed("https://other.example.com", "other.example.com", "relay.example.com", nil) {
		t.Fatalf("cross-host origin accepted under same-host policy")
	}
	if IsAllowed("null", "", "relay.example.com", nil) {
		t.Fatalf("null origin accepted under same-host policy")
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	got, err := ParseAllowedOrigins(" https://app.example.com , http://localhost:3000 ,*")
	if err != nil {
		t.Fatalf("ParseAllowedOrigins: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:3000", "*"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if _, err := ParseAllowedOrigins("not a url"); err == nil {
		t.Fatalf("expected error for malformed entry")
	}
	if got, err := ParseAllowedOrigins(""); err != nil || got != nil {
		t.Fatalf("empty allowlist: got %v, %v", got, err)
	}
}
