package orchestrator

import (
	"reflect"
	"strconv"
	"strings"
)

// EvaluateCondition evaluates a restricted boolean expression against the
// execution context. It never panics and never returns an error: malformed
// or unresolvable expressions evaluate to false. That fail-safe default is a
// deliberate design choice, a broken condition skips the step instead of
// crashing the run.
//
// Supported grammar:
//
//	not <expr>
//	<operand> ==|!=|>|>=|<|<= <operand>
//	<operand> in <operand>        (right side resolves to a list or string)
//	<operand>                     (bare truthy lookup)
//
// Operands resolve from the context by dot path first, then parse as
// literals (quoted strings, numbers, true/false, null). There is no general
// expression engine here on purpose; conditions must not execute code.
func EvaluateCondition(expression string, execCtx *ExecutionContext) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			result = false
		}
	}()
	if execCtx == nil {
		return false
	}
	tokens := tokenizeCondition(strings.TrimSpace(expression))
	return evalTokens(tokens, execCtx)
}

func evalTokens(tokens []string, execCtx *ExecutionContext) bool {
	switch {
	case len(tokens) == 0:
		return false
	case tokens[0] == "not":
		if len(tokens) == 1 {
			return false
		}
		return !evalTokens(tokens[1:], execCtx)
	case len(tokens) == 1:
		return isTruthy(resolveOperand(tokens[0], execCtx))
	case len(tokens) == 3 && tokens[1] == "in":
		return evalMembership(resolveOperand(tokens[0], execCtx), resolveOperand(tokens[2], execCtx))
	case len(tokens) == 3 && isComparator(tokens[1]):
		return evalComparison(resolveOperand(tokens[0], execCtx), tokens[1], resolveOperand(tokens[2], execCtx))
	default:
		return false
	}
}

func isComparator(op string) bool {
	switch op {
	case "==", "!=", ">", ">=", "<", "<=":
		return true
	}
	return false
}

// tokenizeCondition splits on whitespace while keeping quoted strings
// together, e.g. `genre == 'dark fantasy'` yields three tokens.
func tokenizeCondition(expr string) []string {
	tokens := make([]string, 0, 4)
	var current strings.Builder
	var quote rune
	for _, r := range expr {
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == ' ' || r == '\t':
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// resolveOperand looks the token up in the context first; a token that does
// not resolve is treated as a literal.
func resolveOperand(token string, execCtx *ExecutionContext) any {
	if val, ok := execCtx.Lookup(token); ok {
		return val
	}
	return parseLiteral(token)
}

func parseLiteral(token string) any {
	if len(token) >= 2 {
		if (token[0] == '\'' && token[len(token)-1] == '\'') || (token[0] == '"' && token[len(token)-1] == '"') {
			return token[1 : len(token)-1]
		}
	}
	switch token {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil", "none", "None":
		return nil
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f
	}
	return token
}

func evalComparison(left any, op string, right any) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		}
		return false
	}
	switch op {
	case "==":
		return reflect.DeepEqual(left, right)
	case "!=":
		return !reflect.DeepEqual(left, right)
	}
	ls, lsOk := left.(string)
	rs, rsOk := right.(string)
	if lsOk && rsOk {
		switch op {
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		}
	}
	return false
}

func evalMembership(needle, haystack any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if reflect.DeepEqual(needle, item) {
				return true
			}
			nf, nok := toFloat64(needle)
			hf, hok := toFloat64(item)
			if nok && hok && nf == hf {
				return true
			}
		}
		return false
	case string:
		ns, ok := needle.(string)
		return ok && strings.Contains(h, ns)
	default:
		return false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
