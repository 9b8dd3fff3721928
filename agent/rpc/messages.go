package rpc

import "tangled.sh/tangled.sh/agent/models"

type ActionContext struct {
	ContainerImage string `cbor:"1,keyasint"`
}

type ActionRequest struct {
	Context  *ActionContext `cbor:"1,keyasint,omitempty"`
	RepoURL  string         `cbor:"2,keyasint"`
	Commands []string       `cbor:"3,keyasint"`
	ActionID uint32         `cbor:"4,keyasint"`
}

// ActionResponse is one message of an action's output stream.
type ActionResponse = models.Message

type HealthState int32

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Health is a point-in-time sample of the host. Usages are percentages.
type Health struct {
	Status      HealthState `cbor:"1,keyasint"`
	CPUUsage    float32     `cbor:"2,keyasint"`
	MemoryUsage float32     `cbor:"3,keyasint"`
}

type Hostname struct {
	Host string `cbor:"1,keyasint"`
	Port uint32 `cbor:"2,keyasint"`
}

type RegisterAgentRequest struct {
	Health   *Health   `cbor:"1,keyasint,omitempty"`
	Hostname *Hostname `cbor:"2,keyasint,omitempty"`
}

type RegisterAgentResponse struct {
	ID uint32 `cbor:"1,keyasint"`
}

type HealthStatus struct {
	AgentID uint32  `cbor:"1,keyasint"`
	Health  *Health `cbor:"2,keyasint,omitempty"`
}

type Empty struct{}
