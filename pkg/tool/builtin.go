package tool

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/drover-dev/drover/agent"
)

// AskHumanName is the reserved name of the pause tool. A dispatcher that
// sees this tool succeed suspends the run for human input.
const AskHumanName = "ask_human"

// expressionPattern admits digits, whitespace and arithmetic punctuation
// only. Anything resembling code is rejected before evaluation.
const expressionPattern = `^[0-9+\-*/%().\s]+$`

// Calculator evaluates basic arithmetic expressions.
func Calculator() agent.Tool {
	schema := Schema{
		"expression": {
			Kind:        KindString,
			Description: "Arithmetic expression using numbers, + - * / %, and parentheses, e.g. \"(2 + 3) * 4\".",
			Required:    true,
			MinLength:   1,
			MaxLength:   256,
			Pattern:     expressionPattern,
		},
	}
	return New("calculator", "Evaluates an arithmetic expression and returns the numeric result.", schema,
		func(_ context.Context, args Args) (map[string]any, error) {
			result, err := evalExpression(args.String("expression"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": result}, nil
		})
}

// Clock reports the current time, optionally in a named timezone.
func Clock() agent.Tool {
	schema := Schema{
		"timezone": {
			Kind:        KindString,
			Description: "IANA timezone name such as \"Europe/Lisbon\". Defaults to UTC.",
			MaxLength:   64,
		},
	}
	return New("clock", "Returns the current date and time.", schema,
		func(_ context.Context, args Args) (map[string]any, error) {
			name := args.String("timezone")
			if name == "" {
				name = "UTC"
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", name)
			}
			now := time.Now().In(loc)
			return map[string]any{
				"time":     now.Format(time.RFC3339),
				"timezone": loc.String(),
				"unix":     now.Unix(),
			}, nil
		})
}

type askHumanTool struct {
	schema Schema
}

// AskHuman returns the tool a model calls to request human input. Its
// outcome carries a HumanInputRequest, which the run loop turns into a
// pause rather than a regular tool result.
func AskHuman() agent.Tool {
	return &askHumanTool{
		schema: Schema{
			"question": {
				Kind:        KindString,
				Description: "The question to put to a person.",
				Required:    true,
				MinLength:   1,
				MaxLength:   2000,
			},
			"timeoutSeconds": {
				Kind:        KindNumber,
				Description: "How long to wait for an answer before giving up. Zero waits indefinitely.",
				Minimum:     Float64(0),
				Maximum:     Float64(86400),
			},
		},
	}
}

func (t *askHumanTool) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        AskHumanName,
		Description: "Pauses execution and asks a human operator the given question. Use when you need approval, a decision, or information only a person has.",
		Parameters:  mustJSON(t.schema.JSONSchema()),
	}
}

func (t *askHumanTool) Schema() Schema {
	return t.schema
}

func (t *askHumanTool) Execute(_ context.Context, args map[string]any) (*agent.ToolOutcome, error) {
	question := strings.TrimSpace(Args(args).String("question"))
	if question == "" {
		return &agent.ToolOutcome{Success: false, Error: "question is required"}, nil
	}
	return &agent.ToolOutcome{
		Success: true,
		HumanInput: &agent.HumanInputRequest{
			Question:       question,
			TimeoutSeconds: Args(args).Int("timeoutSeconds"),
		},
	}, nil
}

// evalExpression evaluates arithmetic over + - * / % with parentheses and
// unary minus, by recursive descent. No identifiers, no function calls.
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: []rune(input)}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at offset %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

type exprParser struct {
	input []rune
	pos   int
}

func (p *exprParser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) term() (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.unary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.unary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.unary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) unary() (float64, error) {
	p.skipSpace()
	if p.peek() == '-' {
		p.pos++
		v, err := p.unary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.primary()
}

func (p *exprParser) primary() (float64, error) {
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	return p.number()
}

func (p *exprParser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if p.pos == start {
		if p.pos >= len(p.input) {
			return 0, fmt.Errorf("unexpected end of expression")
		}
		return 0, fmt.Errorf("unexpected character %q at offset %d", p.input[p.pos], p.pos)
	}
	v, err := strconv.ParseFloat(string(p.input[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", string(p.input[start:p.pos]))
	}
	return v, nil
}

func (p *exprParser) peek() rune {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}
