package v1

// AgentProtocol identifies how the server talks to an agent.
type AgentProtocol string

const (
	// ProtocolCLI spawns the agent binary per run and reads newline-delimited
	// JSON from stdout.
	ProtocolCLI AgentProtocol = "cli"

	// ProtocolACP keeps a persistent subprocess and exchanges JSON-RPC frames.
	ProtocolACP AgentProtocol = "acp"
)

// AgentInfo describes one catalog entry and its current supervisor state.
type AgentInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Binary    string        `json:"binary"`
	Protocol  AgentProtocol `json:"protocol"`
	Available bool          `json:"available"`
	Running   bool          `json:"running"`
	Port      int           `json:"port,omitempty"`
	Models    []ModelInfo   `json:"models,omitempty"`
}

// ModelInfo is one model reported by an agent's model listing.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
