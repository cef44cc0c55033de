package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"feedloom/internal/feed"
	"feedloom/internal/services"
)

// ErrReleased is returned by calls on a VM after Release.
var ErrReleased = errors.New("sandbox: vm released")

type interruptReason struct {
	cause error
}

var errHookTimeout = errors.New("hook exceeded its time limit")

// VM is one compiled rule with its own runtime. Calls are serialized.
type VM struct {
	mu              sync.Mutex
	rt              *goja.Runtime
	hooks           *goja.Object
	validate        goja.Callable
	describe        goja.Callable
	parse           goja.Callable
	stringify       goja.Callable
	meta            map[string]any
	validateTimeout time.Duration
	describeTimeout time.Duration
	release         func()
	released        bool
}

// HasValidate reports whether the rule exports a validate hook.
func (vm *VM) HasValidate() bool { return vm != nil && vm.validate != nil }

// HasDescribe reports whether the rule exports a describe hook.
func (vm *VM) HasDescribe() bool { return vm != nil && vm.describe != nil }

// Meta returns a copy of the rule's static meta object.
func (vm *VM) Meta() map[string]any {
	if vm == nil || vm.meta == nil {
		return nil
	}
	out := make(map[string]any, len(vm.meta))
	for k, v := range vm.meta {
		out[k] = v
	}
	return out
}

// Validate runs the validate hook for entry. A rule without validate never matches.
func (vm *VM) Validate(ctx context.Context, entry feed.Entry) (bool, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.released {
		return false, ErrReleased
	}
	if vm.validate == nil {
		return false, nil
	}
	arg, err := vm.toJS(entry)
	if err != nil {
		return false, err
	}
	result, err := vm.run(ctx, vm.validateTimeout, func() (goja.Value, error) {
		return vm.validate(vm.hooks, arg)
	})
	if err != nil {
		return false, err
	}
	return result.ToBoolean(), nil
}

// Describe runs the describe hook for one downloaded file. A nil descriptor
// means the rule has no classification for it.
func (vm *VM) Describe(ctx context.Context, entry feed.Entry, file File, dctx DescribeContext) (*Descriptor, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.released {
		return nil, ErrReleased
	}
	if vm.describe == nil {
		return nil, nil
	}
	args := make([]goja.Value, 0, 3)
	for _, v := range []any{entry, file, dctx} {
		arg, err := vm.toJS(v)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	result, err := vm.run(ctx, vm.describeTimeout, func() (goja.Value, error) {
		return vm.describe(vm.hooks, args...)
	})
	if err != nil {
		return nil, err
	}
	var desc Descriptor
	ok, err := vm.fromJS(result, &desc)
	if err != nil {
		return nil, services.Wrap(services.ErrHookRuntime, "sandbox", "describe", "invalid descriptor", err)
	}
	if !ok {
		return nil, nil
	}
	return &desc, nil
}

// Release frees the runtime and its slot. It is safe to call more than once.
func (vm *VM) Release() {
	if vm == nil {
		return
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.released {
		return
	}
	vm.released = true
	vm.rt = nil
	vm.hooks = nil
	vm.validate = nil
	vm.describe = nil
	if vm.release != nil {
		vm.release()
	}
}

// run executes fn under timeout, interrupting the runtime when it elapses or
// ctx ends. A returned promise is unwrapped once the job queue has drained.
func (vm *VM) run(ctx context.Context, timeout time.Duration, fn func() (goja.Value, error)) (goja.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, services.Wrap(services.ErrSandboxTimeout, "sandbox", "run hook", "cancelled", err)
	}

	var (
		guard    sync.Mutex
		finished bool
	)
	interrupt := func(cause error) {
		guard.Lock()
		defer guard.Unlock()
		if !finished {
			vm.rt.Interrupt(interruptReason{cause: cause})
		}
	}
	timer := time.AfterFunc(timeout, func() { interrupt(errHookTimeout) })
	stopCtx := context.AfterFunc(ctx, func() { interrupt(ctx.Err()) })

	value, err := fn()

	timer.Stop()
	stopCtx()
	guard.Lock()
	finished = true
	guard.Unlock()
	vm.rt.ClearInterrupt()

	if err != nil {
		return nil, classify(err, timeout)
	}
	if promise, ok := value.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, services.Wrap(services.ErrHookRuntime, "sandbox", "run hook", fmt.Sprintf("promise rejected: %v", promise.Result()), nil)
		default:
			return nil, services.Wrap(services.ErrHookRuntime, "sandbox", "run hook", "promise did not settle", nil)
		}
	}
	return value, nil
}

func classify(err error, timeout time.Duration) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause := errHookTimeout
		if reason, ok := interrupted.Value().(interruptReason); ok && reason.cause != nil {
			cause = reason.cause
		}
		return services.Wrap(services.ErrSandboxTimeout, "sandbox", "run hook", fmt.Sprintf("limit %s", timeout), cause)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return services.Wrap(services.ErrHookRuntime, "sandbox", "run hook", exception.Value().String(), nil)
	}
	return services.Wrap(services.ErrHookRuntime, "sandbox", "run hook", "", err)
}

// toJS copies a Go value into the runtime through JSON.
func (vm *VM) toJS(v any) (goja.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode hook argument: %w", err)
	}
	value, err := vm.parse(goja.Undefined(), vm.rt.ToValue(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode hook argument: %w", err)
	}
	return value, nil
}

// fromJS copies a runtime value out through JSON. It reports false for null,
// undefined and values JSON cannot represent.
func (vm *VM) fromJS(value goja.Value, out any) (bool, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return false, nil
	}
	encoded, err := vm.run(context.Background(), vm.validateTimeout, func() (goja.Value, error) {
		return vm.stringify(goja.Undefined(), value)
	})
	if err != nil {
		return false, err
	}
	if encoded == nil || goja.IsUndefined(encoded) {
		return false, nil
	}
	if err := json.Unmarshal([]byte(encoded.String()), out); err != nil {
		return false, err
	}
	return true, nil
}
