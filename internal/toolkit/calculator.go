// Package toolkit holds the built-in tool catalog. Each tool implements
// the registry's Tool interface and is registered once at startup.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// CalculatorTool evaluates arithmetic expressions: + - * / % ^, unary
// minus, and parentheses.
type CalculatorTool struct{}

func (t *CalculatorTool) Name() string {
	return "calculator"
}

func (t *CalculatorTool) Description() string {
	return "Evaluates an arithmetic expression and returns the numeric result. Supports +, -, *, /, %, ^ and parentheses."
}

func (t *CalculatorTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"expression": {
				"type": "string",
				"description": "The arithmetic expression to evaluate, e.g. \"(2 + 3) * 4\""
			}
		},
		"required": ["expression"]
	}`)
}

func (t *CalculatorTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResult, error) {
	var params struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &models.ToolResult{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}
	expr := strings.TrimSpace(params.Expression)
	if expr == "" {
		return &models.ToolResult{Content: "expression is empty", IsError: true}, nil
	}

	value, err := evalExpression(expr)
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("cannot evaluate %q: %v", expr, err), IsError: true}, nil
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return &models.ToolResult{Content: fmt.Sprintf("%q has no finite result", expr), IsError: true}, nil
	}

	data, _ := json.Marshal(map[string]any{"expression": expr, "result": value})
	return &models.ToolResult{
		Content: formatNumber(value),
		Data:    data,
	}, nil
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// exprParser is a recursive-descent parser over the expression grammar
//
//	expr   := term (('+'|'-') term)*
//	term   := power (('*'|'/'|'%') power)*
//	power  := unary ('^' power)?
//	unary  := '-' unary | primary
//	primary:= number | '(' expr ')'
type exprParser struct {
	input []rune
	pos   int
}

func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: []rune(expr)}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.peekOp("+-")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.peekOp("*/%")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if _, ok := p.peekOp("^"); !ok {
		return base, nil
	}
	p.pos++
	// Right-associative.
	exp, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *exprParser) parseUnary() (float64, error) {
	if _, ok := p.peekOp("-"); ok {
		p.pos++
		value, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -value, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	if p.input[p.pos] == '(' {
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	value, err := strconv.ParseFloat(string(p.input[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", string(p.input[start:p.pos]))
	}
	return value, nil
}

func (p *exprParser) peekOp(ops string) (rune, bool) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, false
	}
	if strings.ContainsRune(ops, p.input[p.pos]) {
		return p.input[p.pos], true
	}
	return 0, false
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}
