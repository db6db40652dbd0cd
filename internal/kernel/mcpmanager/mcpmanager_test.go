package mcpmanager

import (
	"context"
	"testing"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

func TestInferSemantics(t *testing.T) {
	cases := []struct {
		name, desc string
		want       types.ToolSemantics
	}{
		{"list_emails", "", types.SemanticsRead},
		{"get_contact", "", types.SemanticsRead},
		{"send_email", "sends an email", types.SemanticsWrite},
		{"delete_event", "", types.SemanticsWrite},
		{"search_calendar", "", types.SemanticsRead},
		{"unannotated_action", "does something unspecified", types.SemanticsWrite},
	}
	for _, c := range cases {
		if got := inferSemantics(c.name, c.desc); got != c.want {
			t.Errorf("inferSemantics(%q, %q) = %v, want %v", c.name, c.desc, got, c.want)
		}
	}
}

func TestManager_RunningIsEmptyInitially(t *testing.T) {
	m := NewManager(nil, nil)
	if len(m.Running()) != 0 {
		t.Errorf("expected no running servers, got %v", m.Running())
	}
	if _, ok := m.Server("gmail"); ok {
		t.Error("expected no server registered")
	}
}

func TestSpawnServer_RejectsDuplicateName(t *testing.T) {
	m := NewManager(nil, nil)
	m.servers["gmail"] = &ManagedServer{name: "gmail", manifest: types.ToolManifest{Name: "gmail"}}

	_, err := m.SpawnServer(context.Background(), types.McpServerConfig{Name: "gmail", Label: "sensitive"}, func(ref string) (string, error) { return "secret", nil })
	if err == nil {
		t.Fatal("expected an error spawning a server with a name already in use")
	}
}

func TestSpawnServer_RejectsUnknownLabel(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.SpawnServer(context.Background(), types.McpServerConfig{Name: "new-server", Label: "nonsense"}, func(ref string) (string, error) { return "secret", nil })
	if err == nil {
		t.Fatal("expected an error for an unparseable security label")
	}
}

func TestSpawnServer_PropagatesCredentialResolutionFailure(t *testing.T) {
	m := NewManager(nil, nil)
	cfg := types.McpServerConfig{
		Name:  "needs-auth",
		Label: "sensitive",
		Auth:  map[string]string{"API_KEY": "vault:gmail_token"},
		Server: types.McpServerCommand{Command: "echo"},
	}
	_, err := m.SpawnServer(context.Background(), cfg, func(ref string) (string, error) {
		return "", errNotFound
	})
	if err == nil {
		t.Fatal("expected credential resolution failure to propagate")
	}
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "credential not found" }
