package instance

import "encoding/json"

// AgentConfig is the launch configuration captured when a session is
// created and persisted on the instance record.
type AgentConfig struct {
	UseWorktree         bool   `json:"useWorktree"`
	AutoCommit          bool   `json:"autoCommit"`
	CommitInterval      int    `json:"commitInterval,omitempty"` // seconds
	RebaseFrequency     string `json:"rebaseFrequency,omitempty"`
	SystemPrompt        string `json:"systemPrompt,omitempty"`
	ContextPreservation bool   `json:"contextPreservation,omitempty"`
}

// DefaultAgentConfig returns the configuration used when a session is
// created without one.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		UseWorktree: true,
		AutoCommit:  true,
	}
}

// AgentConfig decodes the instance's persisted launch configuration.
// Instances created without one get the defaults.
func (i *Instance) AgentConfig() (AgentConfig, error) {
	if len(i.Config) == 0 {
		return DefaultAgentConfig(), nil
	}
	var cfg AgentConfig
	if err := json.Unmarshal(i.Config, &cfg); err != nil {
		return DefaultAgentConfig(), err
	}
	return cfg, nil
}
