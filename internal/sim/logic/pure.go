package logic

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"blockwire.ai/internal/sim/ports"
)

var (
	ErrDivideByZero   = errors.New("division by zero")
	ErrInvertedBounds = errors.New("clamp bounds are inverted")
	ErrOperandKinds   = errors.New("operands disagree on kind")
	ErrCompareMode    = errors.New("unknown compare mode")
)

func pureBehaviors() []Behavior {
	return []Behavior{
		{Kind: "add", Calculate: arithmetic(func(a, b float64) float64 { return a + b }, mgl64.Vec3.Add)},
		{Kind: "subtract", Calculate: arithmetic(func(a, b float64) float64 { return a - b }, mgl64.Vec3.Sub)},
		{Kind: "multiply", Calculate: arithmetic(func(a, b float64) float64 { return a * b }, mulVec)},
		{Kind: "divide", Calculate: divide},
		{Kind: "compare", Calculate: compare},
		{Kind: "and", Calculate: func(in Inputs) (Outputs, error) {
			return Outputs{"result": ports.Bool(in.Bool("a") && in.Bool("b"))}, nil
		}},
		{Kind: "or", Calculate: func(in Inputs) (Outputs, error) {
			return Outputs{"result": ports.Bool(in.Bool("a") || in.Bool("b"))}, nil
		}},
		{Kind: "not", Calculate: func(in Inputs) (Outputs, error) {
			return Outputs{"result": ports.Bool(!in.Bool("in"))}, nil
		}},
		{Kind: "clamp", Calculate: clampValue},
		{Kind: "select", Calculate: func(in Inputs) (Outputs, error) {
			if in.Bool("condition") {
				return Outputs{"result": in.Value("a")}, nil
			}
			return Outputs{"result": in.Value("b")}, nil
		}},
		{Kind: "vector_compose", Calculate: func(in Inputs) (Outputs, error) {
			return Outputs{"vector": ports.Vec(in.Number("x"), in.Number("y"), in.Number("z"))}, nil
		}},
		{Kind: "vector_split", Calculate: func(in Inputs) (Outputs, error) {
			v := in.Vec("vector")
			return Outputs{"x": ports.Number(v.X()), "y": ports.Number(v.Y()), "z": ports.Number(v.Z())}, nil
		}},
		{Kind: "to_string", Calculate: func(in Inputs) (Outputs, error) {
			return Outputs{"text": ports.String(in.Value("value").String())}, nil
		}},
	}
}

func mulVec(a, b mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{a[0] * b[0], a[1] * b[1], a[2] * b[2]}
}

func arithmetic(num func(a, b float64) float64, vec func(a, b mgl64.Vec3) mgl64.Vec3) func(Inputs) (Outputs, error) {
	return func(in Inputs) (Outputs, error) {
		a, b := in.Value("a"), in.Value("b")
		if a.Kind() != b.Kind() {
			return nil, fmt.Errorf("%w: %s and %s", ErrOperandKinds, a.Kind(), b.Kind())
		}
		switch a.Kind() {
		case ports.KindNumber:
			return Outputs{"result": ports.Number(num(a.Number(), b.Number()))}, nil
		case ports.KindVector3:
			return Outputs{"result": ports.Vector3(vec(a.Vec(), b.Vec()))}, nil
		}
		return nil, fmt.Errorf("%w: %s is not arithmetic", ErrOperandKinds, a.Kind())
	}
}

func divide(in Inputs) (Outputs, error) {
	d := in.Number("b")
	if d == 0 {
		return nil, ErrDivideByZero
	}
	return Outputs{"result": ports.Number(in.Number("a") / d)}, nil
}

func compare(in Inputs) (Outputs, error) {
	a, b := in.Value("a"), in.Value("b")
	if a.Kind() != b.Kind() {
		return nil, fmt.Errorf("%w: %s and %s", ErrOperandKinds, a.Kind(), b.Kind())
	}
	var c int
	switch a.Kind() {
	case ports.KindString:
		c = cmp3(a.Text() < b.Text(), a.Text() > b.Text())
	default:
		c = cmp3(a.Number() < b.Number(), a.Number() > b.Number())
	}
	mode := in.Text("mode")
	if mode == "" {
		mode = "eq"
	}
	var r bool
	switch mode {
	case "eq":
		r = c == 0
	case "ne":
		r = c != 0
	case "lt":
		r = c < 0
	case "le":
		r = c <= 0
	case "gt":
		r = c > 0
	case "ge":
		r = c >= 0
	default:
		return nil, fmt.Errorf("%w: %q", ErrCompareMode, mode)
	}
	return Outputs{"result": ports.Bool(r)}, nil
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func clampValue(in Inputs) (Outputs, error) {
	lo, hi := in.Number("min"), in.Number("max")
	if lo > hi {
		return nil, fmt.Errorf("%w: min %g > max %g", ErrInvertedBounds, lo, hi)
	}
	return Outputs{"result": ports.Number(mgl64.Clamp(in.Number("value"), lo, hi))}, nil
}
