package registry

import (
	"github.com/m87-labs/moondream-station/internal/errors"
)

// Component identifies one independently updatable station unit.
type Component int

const (
	Bootstrap Component = iota
	Hypervisor
	CLI
	InferenceClient
	Model
)

// String returns the canonical component name.
func (c Component) String() string {
	switch c {
	case Bootstrap:
		return "bootstrap"
	case Hypervisor:
		return "hypervisor"
	case CLI:
		return "cli"
	case InferenceClient:
		return "inference-client"
	case Model:
		return "model"
	}
	return "unknown"
}

// Label returns the display name used on the admin surface.
func (c Component) Label() string {
	switch c {
	case Bootstrap:
		return "Bootstrap"
	case Hypervisor:
		return "Hypervisor"
	case CLI:
		return "CLI"
	case InferenceClient:
		return "Inference client"
	case Model:
		return "Model"
	}
	return "Unknown"
}

// ParseComponent resolves a component name, accepting the canonical
// names plus the underscore form used in config keys.
func ParseComponent(name string) (Component, error) {
	switch name {
	case "bootstrap":
		return Bootstrap, nil
	case "hypervisor":
		return Hypervisor, nil
	case "cli":
		return CLI, nil
	case "inference-client", "inference_client":
		return InferenceClient, nil
	case "model":
		return Model, nil
	}
	return 0, errors.New(errors.CodeUnknownComponent).WithComponent(name)
}

// All returns every tracked component.
func All() []Component {
	return []Component{Bootstrap, Hypervisor, CLI, InferenceClient, Model}
}

// CheckOrder returns the components in the order check-updates reports
// them.
func CheckOrder() []Component {
	return []Component{Bootstrap, Hypervisor, Model, CLI}
}

// ApplyOrder returns the components in the order update-all applies
// them: restart-free updates first, restart-heavy ones last.
func ApplyOrder() []Component {
	return []Component{Model, CLI, Hypervisor, Bootstrap}
}

// Status is the reconciliation state of a component.
type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusUpToDate        Status = "up-to-date"
	StatusUpdateAvailable Status = "update-available"
	StatusUpdating        Status = "updating"
	StatusFailed          Status = "failed"
)

// Marker returns the fixed status phrase shown on the admin surface.
func (s Status) Marker() string {
	switch s {
	case StatusUpToDate:
		return "Up to date"
	case StatusUpdateAvailable:
		return "Update available"
	case StatusUpdating:
		return "Updating"
	case StatusFailed:
		return "Failed"
	}
	return "Unknown"
}
