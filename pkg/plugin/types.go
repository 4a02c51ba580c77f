package plugin

// Type represents the kind of UI surface a registered component provides.
type Type string

const (
	// TypeVisualizer components render samples in the main viewer.
	TypeVisualizer Type = "Visualizer"
	// TypePlot components render charts. Deprecated: register a Panel instead.
	TypePlot Type = "Plot"
	// TypePanel components render a dockable panel.
	TypePanel Type = "Panel"
	// TypeComponent is a generic component other plugins may look up.
	TypeComponent Type = "Component"
)

// Valid reports whether t is one of the supported component types.
func (t Type) Valid() bool {
	switch t {
	case TypeVisualizer, TypePlot, TypePanel, TypeComponent:
		return true
	default:
		return false
	}
}

// ActivationContext is the host snapshot an Activator decides against.
type ActivationContext struct {
	Dataset string
	View    any
	Values  map[string]any
}

// Activator decides whether a registered component applies right now.
type Activator func(ActivationContext) bool

// AlwaysActive is the default Activator.
func AlwaysActive(ActivationContext) bool { return true }

// PanelOptions configures how a panel component is presented.
type PanelOptions struct {
	AllowMultiple bool   `json:"allowMultiple" yaml:"allowMultiple"`
	SurfaceKind   string `json:"surfaces,omitempty" yaml:"surfaces"`
	HelpMarkdown  string `json:"helpMarkdown,omitempty" yaml:"helpMarkdown"`
}

// Registration is one component contributed by a plugin.
type Registration struct {
	Name         string
	Label        string
	Type         Type
	Activator    Activator
	Component    any
	PanelOptions PanelOptions
}

// Active evaluates the registration's activator, treating nil as always active.
func (r Registration) Active(ctx ActivationContext) bool {
	if r.Activator == nil {
		return true
	}
	return r.Activator(ctx)
}
