package mcpmanager

import (
	"strings"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

// KnownServer is a built-in template for a well-known MCP server, letting
// an owner say "connect notion" instead of hand-writing a mcp/*.toml file.
type KnownServer struct {
	Name           string
	Package        string // npm package, launched via "npx -y <package>"
	Domains        []string
	Credentials    []CredentialRequirement
	DefaultLabel   string
	ExpectedPrefix string // token prefix used to classify a pasted credential, if any
}

// CredentialRequirement is one (env var, setup instructions) pair a known
// server needs before it can be spawned.
type CredentialRequirement struct {
	EnvVar       string
	Instructions string
}

// KnownServers is the built-in registry of well-known MCP servers.
var KnownServers = []KnownServer{
	{
		Name:    "notion",
		Package: "@modelcontextprotocol/server-notion",
		Domains: []string{"api.notion.com"},
		Credentials: []CredentialRequirement{{
			EnvVar:       "NOTION_TOKEN",
			Instructions: "Go to notion.so/profile/integrations -> Create integration -> Copy the Internal Integration Secret",
		}},
		DefaultLabel:   "internal",
		ExpectedPrefix: "ntn_",
	},
	{
		Name:    "github",
		Package: "@modelcontextprotocol/server-github",
		Domains: []string{"api.github.com"},
		Credentials: []CredentialRequirement{{
			EnvVar:       "GITHUB_PERSONAL_ACCESS_TOKEN",
			Instructions: "Go to github.com/settings/tokens -> Fine-grained tokens -> Generate new token -> Copy",
		}},
		DefaultLabel:   "internal",
		ExpectedPrefix: "ghp_",
	},
	{
		Name:    "slack",
		Package: "@modelcontextprotocol/server-slack",
		Domains: []string{"slack.com", "api.slack.com"},
		Credentials: []CredentialRequirement{{
			EnvVar:       "SLACK_BOT_TOKEN",
			Instructions: "Go to api.slack.com/apps -> Your app -> OAuth & Permissions -> Bot User OAuth Token",
		}},
		DefaultLabel:   "internal",
		ExpectedPrefix: "xoxb-",
	},
	{
		Name:         "filesystem",
		Package:      "@modelcontextprotocol/server-filesystem",
		DefaultLabel: "internal",
	},
	{
		Name:         "fetch",
		Package:      "@modelcontextprotocol/server-fetch",
		DefaultLabel: "public",
	},
}

// FindKnownServer looks up a known server template by name.
func FindKnownServer(name string) (KnownServer, bool) {
	for _, k := range KnownServers {
		if k.Name == name {
			return k, true
		}
	}
	return KnownServer{}, false
}

// KnownServerNames returns a comma-separated list of every registered
// known server name, for the "I don't know that service" response.
func KnownServerNames() string {
	names := make([]string, len(KnownServers))
	for i, k := range KnownServers {
		names[i] = k.Name
	}
	return strings.Join(names, ", ")
}

// BuildKnownServerConfig constructs a types.McpServerConfig from a known
// server template, mapping each required credential to its vault reference.
func BuildKnownServerConfig(service string, known KnownServer) types.McpServerConfig {
	auth := make(map[string]string, len(known.Credentials))
	for _, c := range known.Credentials {
		auth[c.EnvVar] = "vault:" + service + "_" + strings.ToLower(c.EnvVar)
	}
	return types.McpServerConfig{
		Name:           service,
		Description:    "Known MCP server: " + service,
		Label:          known.DefaultLabel,
		AllowedDomains: known.Domains,
		Server: types.McpServerCommand{
			Command: "npx",
			Args:    []string{"-y", known.Package},
		},
		Auth:      auth,
		Transport: "stdio",
	}
}
