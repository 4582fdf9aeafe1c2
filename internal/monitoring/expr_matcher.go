package monitoring

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// ExprMatcher compiles and evaluates expr-lang filters against security events.
//
// Available variables: type, severity, severity_rank, component, user_id,
// session_id, record_id, operation, details.
type ExprMatcher struct {
	expression string
	program    *vm.Program
}

// NewExprMatcher compiles expression. It must evaluate to a bool.
func NewExprMatcher(expression string) (*ExprMatcher, error) {
	// Operators such as contains and startsWith are infix: details.reason contains "owner".
	program, err := expr.Compile(expression, expr.Env(sampleEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return &ExprMatcher{expression: expression, program: program}, nil
}

// Match evaluates the expression against an event.
func (m *ExprMatcher) Match(e *models.SecurityEvent) (bool, error) {
	result, err := expr.Run(m.program, envFromEvent(e))
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return bool: got %T", result)
	}
	return matched, nil
}

// Expression returns the source expression.
func (m *ExprMatcher) Expression() string {
	return m.expression
}

func sampleEnv() map[string]any {
	return map[string]any{
		"type":          "",
		"severity":      "",
		"severity_rank": 0,
		"component":     "",
		"user_id":       "",
		"session_id":    "",
		"record_id":     "",
		"operation":     "",
		"details":       map[string]string{},
	}
}

func envFromEvent(e *models.SecurityEvent) map[string]any {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	return map[string]any{
		"type":          string(e.Type),
		"severity":      string(e.Severity),
		"severity_rank": e.Severity.Rank(),
		"component":     string(e.Component),
		"user_id":       e.UserID,
		"session_id":    e.SessionID,
		"record_id":     e.RecordID,
		"operation":     string(e.Operation),
		"details":       details,
	}
}
