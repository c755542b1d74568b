package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"strconv"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Tools are the built-in tools offered to the model.
type Tools struct {
	now func() time.Time
}

// ErrUnknownTool is returned by CallTool for a tool that is not offered.
var ErrUnknownTool = errors.New("unknown tool")

const (
	toolCalculator  = "calculator"
	toolCurrentTime = "current_time"
)

// NewTools returns the built-in tool set. A nil now means time.Now.
func NewTools(now func() time.Time) Tools {
	if now == nil {
		now = time.Now
	}
	return Tools{now: now}
}

// Tools describes the tools to the model.
func (t Tools) Tools() []models.ToolSpec {
	return []models.ToolSpec{
		{
			Name:        toolCalculator,
			Description: "Evaluate an arithmetic expression with + - * / % and parentheses. Integers are exact.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string",` +
				`"description":"Expression to evaluate, e.g. (2+3)*4"}},"required":["expression"]}`),
		},
		{
			Name:        toolCurrentTime,
			Description: "Return the current date and time, optionally in an IANA time zone.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string",` +
				`"description":"IANA zone name such as Europe/Berlin; UTC when omitted"}}}`),
		},
	}
}

// CallTool runs the named tool with JSON arguments. Tool failures are returned as errors; the caller
// decides how to report them to the model.
func (t Tools) CallTool(_ context.Context, name, arguments string) (string, error) {
	switch name {
	case toolCalculator:
		var args struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid calculator arguments: %w", err)
		}
		return Calculate(args.Expression)

	case toolCurrentTime:
		var args struct {
			Timezone string `json:"timezone"`
		}
		if arguments != "" {
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return "", fmt.Errorf("invalid current_time arguments: %w", err)
			}
		}
		loc := time.UTC
		if args.Timezone != "" {
			l, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q: %w", args.Timezone, err)
			}
			loc = l
		}
		return t.now().In(loc).Format(time.RFC1123), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Calculate evaluates an arithmetic expression exactly, using Go constant arithmetic.
func Calculate(expr string) (string, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return "", fmt.Errorf("invalid expression %q: %w", expr, err)
	}

	v, err := eval(node)
	if err != nil {
		return "", err
	}

	if v.Kind() == constant.Float {
		if i := constant.ToInt(v); i.Kind() == constant.Int {
			return i.ExactString(), nil
		}
		f, _ := constant.Float64Val(v)
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	return v.ExactString(), nil
}

func eval(node ast.Expr) (constant.Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return constant.MakeFromLiteral(n.Value, n.Kind, 0), nil

	case *ast.ParenExpr:
		return eval(n.X)

	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		if n.Op != token.ADD && n.Op != token.SUB {
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}
		return constant.UnaryOp(n.Op, x, 0), nil

	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return nil, err
		}

		switch n.Op {
		case token.ADD, token.SUB, token.MUL:
			return constant.BinaryOp(x, n.Op, y), nil
		case token.QUO:
			if constant.Sign(y) == 0 {
				return nil, errors.New("division by zero")
			}
			// Integer operands divide exactly instead of truncating.
			return constant.BinaryOp(constant.ToFloat(x), token.QUO, constant.ToFloat(y)), nil
		case token.REM:
			if x.Kind() != constant.Int || y.Kind() != constant.Int {
				return nil, errors.New("remainder needs integer operands")
			}
			if constant.Sign(y) == 0 {
				return nil, errors.New("division by zero")
			}
			return constant.BinaryOp(x, token.REM, y), nil
		}
		return nil, fmt.Errorf("unsupported operator %s", n.Op)
	}
	return nil, fmt.Errorf("unsupported expression %T", node)
}
