package domain

// Template, TemplateStepDef, and TemplateDependencyDef describe the shape
// the TaskRequestActor consumes from the template registry (internal/template).
// Templates are data, never interpreted code: parsing and durable storage
// of a template authoring format is out of
// scope; the registry interface in internal/template only needs to resolve
// a (namespace, name, version) triple to this shape.
type Template struct {
	Namespace string
	Name      string
	Version   string

	IdentityPolicy string // "reject_duplicates" or "" (allow duplicates)

	// FailurePolicy seeds the FailurePolicy a materialized task is created
	// with. "" defaults to FailurePolicyOperatorResolve; a template can opt
	// a whole class of tasks into FailurePolicyAutoFail by setting this to
	// "auto_fail".
	FailurePolicy string

	Steps        []TemplateStepDef
	Dependencies []TemplateDependencyDef
}

type TemplateStepDef struct {
	Name            string
	HandlerCallable string
	MaxAttempts     int
	RetryCurve      RetryCurve
	DefaultInputs   map[string]any
}

type TemplateDependencyDef struct {
	ParentStepName string
	ChildStepName  string
}

// RetryCurve parameterizes the exponential-backoff-with-jitter schedule used
// by both viable-step discovery (next_retry_time) and ResultProcessorActor
// (computing the delay before a retryable failure becomes ready again).
// Treated as configuration rather than a hardcoded constant so operators can
// tune it per deployment without a code change.
type RetryCurve struct {
	BaseSeconds int
	MaxSeconds  int
	JitterFrac  float64
}

// DefaultRetryCurve returns the same values as the built-in config
// defaults. Nothing in this repository calls it: a template step that omits
// its own curve takes the config's retry defaults instead.
func DefaultRetryCurve() RetryCurve {
	return RetryCurve{BaseSeconds: 1, MaxSeconds: 30, JitterFrac: 0.2}
}
