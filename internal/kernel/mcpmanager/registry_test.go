package mcpmanager

import "testing"

func TestFindKnownServer(t *testing.T) {
	k, ok := FindKnownServer("notion")
	if !ok || k.ExpectedPrefix != "ntn_" {
		t.Fatalf("expected notion with ntn_ prefix, got %+v ok=%v", k, ok)
	}
	if _, ok := FindKnownServer("does-not-exist"); ok {
		t.Error("expected no match for an unregistered service")
	}
}

func TestBuildKnownServerConfig(t *testing.T) {
	known, _ := FindKnownServer("github")
	cfg := BuildKnownServerConfig("github", known)

	if cfg.Label != "internal" || cfg.Server.Command != "npx" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	ref, ok := cfg.Auth["GITHUB_PERSONAL_ACCESS_TOKEN"]
	if !ok || ref != "vault:github_github_personal_access_token" {
		t.Errorf("unexpected auth mapping: %+v", cfg.Auth)
	}
}

func TestKnownServerNamesListsEveryEntry(t *testing.T) {
	names := KnownServerNames()
	for _, k := range KnownServers {
		if !contains(names, k.Name) {
			t.Errorf("expected %s listed in %q", k.Name, names)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
