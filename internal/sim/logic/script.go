package logic

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"blockwire.ai/internal/sim/ports"
)

const defaultScriptTimeout = 20 * time.Millisecond

var (
	ErrScriptNoUpdate = errors.New("script does not define update(inputs)")
	ErrScriptTimeout  = errors.New("script exceeded its time budget")
	ErrScriptResult   = errors.New("script returned an unsupported value")
)

var scriptInputs = []string{"in1", "in2", "in3"}

// script runs a player-written update(inputs) function. Globals survive
// between calls until the code input changes.
type script struct {
	env    Env
	src    string
	vm     *goja.Runtime
	update goja.Callable
}

func newScript(env Env) Instance { return &script{env: env} }

func (s *script) timeout() time.Duration {
	if s.env.ScriptTimeout > 0 {
		return s.env.ScriptTimeout
	}
	return defaultScriptTimeout
}

func (s *script) Changed(in Inputs) (Outputs, error) {
	src := in.Text("code")
	if s.vm == nil || src != s.src {
		if err := s.load(src); err != nil {
			return nil, err
		}
	}
	if s.update == nil {
		return nil, ErrAvailableLater
	}
	args := s.vm.NewObject()
	for _, k := range scriptInputs {
		if err := args.Set(k, toJS(s.vm, in.Value(k))); err != nil {
			return nil, err
		}
	}
	var res goja.Value
	err := s.guard(func() error {
		var err error
		res, err = s.update(goja.Undefined(), args)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, ErrAvailableLater
	}
	obj := res.ToObject(s.vm)
	out := Outputs{}
	for _, k := range []string{"out1", "out2"} {
		v := obj.Get(k)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			continue
		}
		pv, err := fromJS(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = pv
	}
	return out, nil
}

func (s *script) load(src string) error {
	s.src = src
	s.vm = goja.New()
	s.update = nil
	sandbox(s.vm)
	if src == "" {
		return nil
	}
	if err := s.guard(func() error {
		_, err := s.vm.RunString(src)
		return err
	}); err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(s.vm.Get("update"))
	if !ok {
		return ErrScriptNoUpdate
	}
	s.update = fn
	return nil
}

// guard runs fn with the runtime interrupted once the budget elapses.
func (s *script) guard(fn func() error) error {
	vm := s.vm
	fired := make(chan struct{})
	t := time.AfterFunc(s.timeout(), func() {
		vm.Interrupt(ErrScriptTimeout)
		close(fired)
	})
	err := fn()
	if !t.Stop() {
		// The callback is running or done; its interrupt must land before
		// it is cleared.
		<-fired
	}
	vm.ClearInterrupt()
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return ErrScriptTimeout
	}
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

func (s *script) Destroy() {
	s.vm = nil
	s.update = nil
}

func sandbox(vm *goja.Runtime) {
	for _, name := range []string{"require", "eval", "Function", "fetch", "XMLHttpRequest"} {
		_ = vm.Set(name, goja.Undefined())
	}
}

func toJS(vm *goja.Runtime, v ports.Value) goja.Value {
	if !v.IsSet() {
		return goja.Null()
	}
	switch v.Kind() {
	case ports.KindNumber, ports.KindByte:
		return vm.ToValue(v.Number())
	case ports.KindBool:
		return vm.ToValue(v.Bool())
	case ports.KindVector3, ports.KindColor:
		x := v.Vec()
		return vm.ToValue([]float64{x[0], x[1], x[2]})
	case ports.KindByteArray:
		return vm.ToValue(v.Bytes())
	}
	return vm.ToValue(v.Text())
}

func fromJS(v goja.Value) (ports.Value, error) {
	switch x := v.Export().(type) {
	case float64:
		return ports.Number(x), nil
	case int64:
		return ports.Number(float64(x)), nil
	case bool:
		return ports.Bool(x), nil
	case string:
		return ports.String(x), nil
	}
	return ports.Value{}, fmt.Errorf("%w: %s", ErrScriptResult, v.ExportType())
}
