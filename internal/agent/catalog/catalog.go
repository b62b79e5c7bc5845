// Package catalog holds the static list of known agents and merges in
// user-provided definitions from an agents.yaml file.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

// Entry describes one agent the supervisor knows how to run.
type Entry struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	// HealthPort is the fixed local port probed at
	// http://127.0.0.1:<port>/provider. Zero means the agent has no
	// persistent process and is spawned per run.
	HealthPort int `yaml:"healthPort"`

	// Package is the distribution package the binary ships in, used in
	// "agent not installed" diagnostics.
	Package string `yaml:"package"`

	Protocol v1.AgentProtocol `yaml:"protocol"`

	// CLI flag names. Empty flags mean the agent does not support the option.
	ModelFlag        string `yaml:"modelFlag"`
	ResumeFlag       string `yaml:"resumeFlag"`
	SystemPromptFlag string `yaml:"systemPromptFlag"`
	SubAgentFlag     string `yaml:"subAgentFlag"`
}

// Persistent reports whether the supervisor keeps a long-lived process for
// this agent.
func (e *Entry) Persistent() bool {
	return e.HealthPort > 0
}

// Catalog is a concurrency-safe registry of agent entries.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates a catalog seeded with the built-in agents.
func New() *Catalog {
	c := &Catalog{entries: make(map[string]*Entry)}
	for _, e := range BuiltinAgents() {
		c.entries[e.ID] = e
	}
	return c
}

// Get returns the entry for an agent id.
func (c *Catalog) Get(id string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// List returns all entries sorted by id.
func (c *Catalog) List() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Register adds or replaces an entry. An entry without an id is rejected.
func (c *Catalog) Register(e *Entry) error {
	if e.ID == "" {
		return fmt.Errorf("agent entry has no id")
	}
	if e.Binary == "" {
		return fmt.Errorf("agent %s has no binary", e.ID)
	}
	if e.Protocol == "" {
		e.Protocol = v1.ProtocolCLI
	}
	if e.Protocol == v1.ProtocolACP && e.HealthPort == 0 {
		return fmt.Errorf("agent %s uses acp but has no healthPort", e.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.ID] = e
	return nil
}

// BuiltinAgents returns the default agent definitions.
func BuiltinAgents() []*Entry {
	return []*Entry{
		{
			ID:               "claude-code",
			Name:             "Claude Code",
			Binary:           "claude",
			Args:             []string{"-p", "--verbose", "--output-format=stream-json"},
			Package:          "@anthropic-ai/claude-code",
			Protocol:         v1.ProtocolCLI,
			ModelFlag:        "--model",
			ResumeFlag:       "--resume",
			SystemPromptFlag: "--append-system-prompt",
			SubAgentFlag:     "--agents",
		},
		{
			ID:        "codex",
			Name:      "OpenAI Codex",
			Binary:    "codex",
			Args:      []string{"exec", "--json"},
			Package:   "@openai/codex",
			Protocol:  v1.ProtocolCLI,
			ModelFlag: "--model",
		},
		{
			ID:         "opencode",
			Name:       "OpenCode",
			Binary:     "opencode",
			Args:       []string{"serve", "--acp"},
			HealthPort: 7511,
			Package:    "opencode-ai",
			Protocol:   v1.ProtocolACP,
		},
		{
			ID:         "gemini",
			Name:       "Gemini CLI",
			Binary:     "gemini",
			Args:       []string{"--experimental-acp"},
			HealthPort: 7512,
			Package:    "@google/gemini-cli",
			Protocol:   v1.ProtocolACP,
		},
	}
}
