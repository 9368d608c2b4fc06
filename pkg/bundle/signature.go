package bundle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/lineage/pkg/schema"
)

// signature describes the declared calling convention of a wrapped callable:
// parameter names in positional order, defaults for omitted parameters, and
// whether extra positional (variadic) or keyword arguments are accepted.
type signature struct {
	params   []string
	defaults map[string]any
	variadic bool
	varkw    bool
}

// binding pairs a canonical parameter name with the value bound to it.
type binding struct {
	name  string
	value any
}

// boundArgs is the result of canonicalizing one call's arguments.
type boundArgs struct {
	fixed   []binding // one per declared parameter, in declaration order
	varargs []any     // extra positional arguments, named args_0, args_1, ...
	extras  []binding // extra keyword arguments, original keys kept
}

func (b *boundArgs) len() int {
	return len(b.fixed) + len(b.varargs) + len(b.extras)
}

// ordered returns every binding in canonical order: declared parameters,
// then variadic expansions, then extra keywords.
func (b *boundArgs) ordered() []binding {
	out := make([]binding, 0, len(b.fixed)+len(b.varargs)+len(b.extras))
	out = append(out, b.fixed...)
	for i, v := range b.varargs {
		out = append(out, binding{name: fmt.Sprintf("args_%d", i), value: v})
	}
	out = append(out, b.extras...)
	return out
}

// bind canonicalizes a call's positional and keyword arguments against the
// signature. Malformed calls produce fatal, unannotated binding errors.
func (s *signature) bind(pos []any, kw Kwargs, opName string) (*boundArgs, error) {
	out := &boundArgs{}
	bound := make(map[string]any, len(s.params))

	for i, v := range pos {
		if i < len(s.params) {
			bound[s.params[i]] = v
			continue
		}
		if !s.variadic {
			return nil, schema.NewErrorf(schema.ErrCodeBinding,
				"too many positional arguments: got %d, signature takes %d", len(pos), len(s.params)).
				WithOp(opName)
		}
		out.varargs = append(out.varargs, v)
	}

	extraKeys := make([]string, 0, len(kw))
	for k, v := range kw {
		if contains(s.params, k) {
			if _, dup := bound[k]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeBinding,
					"parameter %q bound both positionally and by keyword", k).
					WithOp(opName)
			}
			bound[k] = v
			continue
		}
		if !s.varkw {
			return nil, schema.NewErrorf(schema.ErrCodeBinding,
				"unexpected keyword argument %q", k).
				WithOp(opName)
		}
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		out.extras = append(out.extras, binding{name: k, value: kw[k]})
	}

	for _, p := range s.params {
		v, ok := bound[p]
		if !ok {
			v, ok = s.defaults[p]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeBinding,
					"missing required argument %q", p).
					WithOp(opName)
			}
		}
		out.fixed = append(out.fixed, binding{name: p, value: v})
	}

	return out, nil
}

// String renders the signature for the info record, e.g. "(x, y, ...args)".
func (s *signature) String() string {
	parts := make([]string, 0, len(s.params)+1)
	for _, p := range s.params {
		if v, ok := s.defaults[p]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", p, v))
		} else {
			parts = append(parts, p)
		}
	}
	if s.variadic {
		parts = append(parts, "...args")
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// splitKwargs separates a trailing Kwargs value from positional arguments.
func splitKwargs(args []any) ([]any, Kwargs) {
	if len(args) == 0 {
		return args, nil
	}
	if kw, ok := args[len(args)-1].(Kwargs); ok {
		return args[:len(args)-1], kw
	}
	return args, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
