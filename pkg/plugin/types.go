package plugin

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeCompletion plugins may answer completion requests themselves.
	TypeCompletion Type = "completion"
	// TypeResponse plugins only post-process completion responses.
	TypeResponse Type = "response"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}
