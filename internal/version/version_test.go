package version

import "testing"

func TestInfoString(t *testing.T) {
	info := Info{Version: "v1.2.0", Commit: "0123456789abcdef"}
	if got := info.String(); got != "v1.2.0 (0123456)" {
		t.Fatalf("unexpected version string %q", got)
	}
	if got := (Info{Version: "dev"}).String(); got != "dev" {
		t.Fatalf("unexpected version string %q", got)
	}
	if Get().GoVersion == "" {
		t.Fatalf("expected go version")
	}
}
