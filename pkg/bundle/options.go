package bundle

import "github.com/rendis/lineage/internal/expressions"

// config is the per-wrapped-callable configuration surface, fixed at wrap
// time.
type config struct {
	description       string
	doc               string
	params            []string
	defaults          map[string]any
	dialect           string
	constraint        string
	globals           map[string]any
	nOutputs          int
	allowExternal     bool
	catchErrors       bool
	preserveRecursion bool
	passNodes         bool
}

func defaultConfig() config {
	return config{
		dialect:           expressions.DialectExpr,
		nOutputs:          1,
		catchErrors:       true,
		preserveRecursion: true,
	}
}

// Option configures a wrapped callable.
type Option func(*config)

// WithDescription sets the operator description. The "[name] text" form
// names the operator; without it the name is derived from the callable.
func WithDescription(d string) Option {
	return func(c *config) { c.description = d }
}

// WithDoc attaches a docstring to the operator's info record.
func WithDoc(doc string) Option {
	return func(c *config) { c.doc = doc }
}

// WithParams declares the callable's parameter names in positional order.
// Go reflection cannot recover parameter names, so wrapped callables that
// want meaningfully named input edges declare them here; otherwise synthetic
// names (arg0, arg1, ...) are used.
func WithParams(names ...string) Option {
	return func(c *config) { c.params = names }
}

// WithDefaults provides values for declared parameters the caller may omit.
func WithDefaults(defaults map[string]any) Option {
	return func(c *config) { c.defaults = defaults }
}

// WithDialect selects the code dialect of a trainable callable: "expr"
// (default), "cel", or "jq".
func WithDialect(name string) Option {
	return func(c *config) { c.dialect = name }
}

// WithConstraint sets the optimization constraint text attached to the code
// parameter of a trainable callable.
func WithConstraint(text string) Option {
	return func(c *config) { c.constraint = text }
}

// WithGlobals snapshots the enclosing lexical scope for a trainable
// callable; entries are overlaid onto the evaluation environment of every
// call.
func WithGlobals(globals map[string]any) Option {
	return func(c *config) { c.globals = globals }
}

// WithNumOutputs declares that the callable produces n outputs; each is
// wrapped as an independent MessageNode sharing the same parent set.
func WithNumOutputs(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.nOutputs = n
		}
	}
}

// AllowExternalDeps tolerates nodes read during the call that are not
// declared inputs; they are recorded in the produced node's metadata instead
// of raising a missing-inputs violation.
func AllowExternalDeps(allow bool) Option {
	return func(c *config) { c.allowExternal = allow }
}

// CatchErrors controls fault handling. When true (default), execution faults
// are converted to annotated ExceptionNodes surfaced as *ExecutionError.
// When false, faults propagate raw and no graph node is produced.
func CatchErrors(catch bool) Option {
	return func(c *config) { c.catchErrors = catch }
}

// PreserveRecursion controls the recursion guard. When true (default) and
// the callable was wrapped through a function-variable pointer, recursive
// calls through that variable run the raw callable at native speed, and only
// the outermost invocation produces a graph node.
func PreserveRecursion(preserve bool) Option {
	return func(c *config) { c.preserveRecursion = preserve }
}

// PassNodes passes untouched node objects into the underlying callable
// instead of their unwrapped payload values. Reserved for callables
// explicitly written against the graph API.
func PassNodes(pass bool) Option {
	return func(c *config) { c.passNodes = pass }
}

// Kwargs supplies keyword arguments to a call. Keys matching declared
// parameters bind them; unmatched keys keep their names as input edges
// (trainable callables see them in the evaluation environment).
type Kwargs map[string]any
