package route

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"

	"github.com/lsm/relay/internal/update"
)

// NewCELClassifier compiles a CEL expression into a Classifier. The
// expression sees the update as two variables — kind (the category
// tag) and fields (the payload object) — and must evaluate to the
// category key string. For example:
//
//	has(fields.text) && fields.text.startsWith("/") ? "command" : kind
func NewCELClassifier(expression string) (Classifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("fields", cel.DynType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.StringType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("cel expression must produce a string, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	return func(u update.Update) (string, error) {
		out, _, err := prg.Eval(map[string]any{
			"kind":   u.Kind,
			"fields": u.Fields,
		})
		if err != nil {
			return "", fmt.Errorf("cel eval: %w", err)
		}
		key, ok := out.(types.String)
		if !ok {
			return "", fmt.Errorf("cel result is %s, want string", out.Type())
		}
		return string(key), nil
	}, nil
}
