package aggregate

// AgentType identifies who an agent is acting as
type AgentType string

const (
	AgentUser      AgentType = "user"
	AgentSystem    AgentType = "system"
	AgentAnonymous AgentType = "anonymous"
)

// Agent is the identity a command or event is attributed to
type Agent struct {
	ID   string    `json:"id"`
	Type AgentType `json:"type"`
}

func User(id string) Agent {
	return Agent{ID: id, Type: AgentUser}
}

// System returns the agent used by background processes
func System() Agent {
	return Agent{ID: "system", Type: AgentSystem}
}

func Anonymous() Agent {
	return Agent{Type: AgentAnonymous}
}

func (a Agent) IsUser() bool {
	return a.Type == AgentUser && a.ID != ""
}
