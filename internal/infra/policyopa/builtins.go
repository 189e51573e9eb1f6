package policyopa

import "github.com/open-policy-agent/opa/ast"

// allowedBuiltins keeps admission policies deterministic: no clock, network
// or randomness. The current time arrives in the input.
var allowedBuiltins = map[string]struct{}{
	"abs":        {},
	"assign":     {},
	"ceil":       {},
	"concat":     {},
	"contains":   {},
	"count":      {},
	"endswith":   {},
	"eq":         {},
	"equal":      {},
	"floor":      {},
	"format_int": {},
	"gt":         {},
	"gte":        {},
	"lower":      {},
	"lt":         {},
	"lte":        {},
	"max":        {},
	"min":        {},
	"minus":      {},
	"neq":        {},
	"object.get": {},
	"plus":       {},
	"sort":       {},
	"split":      {},
	"sprintf":    {},
	"startswith": {},
	"sum":        {},
	"trim":       {},
	"upper":      {},
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(builtins))
	for _, builtin := range builtins {
		if _, ok := allowedBuiltins[builtin.Name]; !ok {
			continue
		}
		allowed = append(allowed, builtin)
	}
	return allowed
}
