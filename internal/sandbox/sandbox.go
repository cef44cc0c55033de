package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/dop251/goja"

	"feedloom/internal/config"
	"feedloom/internal/logging"
	"feedloom/internal/services"
)

const maxCallStackSize = 1024

var exportDefaultPattern = regexp.MustCompile(`(?m)^(\s*)export\s+default\s+`)

// Sandbox creates isolated rule VMs.
type Sandbox struct {
	validateTimeout time.Duration
	describeTimeout time.Duration
	slots           chan struct{}
	logger          *slog.Logger
}

// New builds a sandbox bounded by the [sandbox] configuration.
func New(cfg *config.Config, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = logging.NewNop()
	}
	maxVMs := cfg.Sandbox.MaxVMs
	if maxVMs <= 0 {
		maxVMs = 1
	}
	return &Sandbox{
		validateTimeout: cfg.ValidateTimeout(),
		describeTimeout: cfg.DescribeTimeout(),
		slots:           make(chan struct{}, maxVMs),
		logger:          logging.NewComponentLogger(logger, "sandbox"),
	}
}

// CompileFile reads a rule code file and compiles it.
func (s *Sandbox) CompileFile(ctx context.Context, path string) (*VM, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "read rule", path, err)
	}
	return s.Compile(ctx, string(code))
}

// Compile evaluates rule code in a fresh runtime and returns a VM exposing its
// hooks. The caller must Release the VM.
func (s *Sandbox) Compile(ctx context.Context, code string) (*VM, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, services.Wrap(services.ErrSandboxTimeout, "sandbox", "acquire vm", "waiting for a free runtime", ctx.Err())
	}

	vm, err := s.compile(ctx, code)
	if err != nil {
		<-s.slots
		return nil, err
	}
	return vm, nil
}

// Check compiles code, reports its shape and releases the runtime.
func (s *Sandbox) Check(ctx context.Context, code string) (Info, error) {
	vm, err := s.Compile(ctx, code)
	if err != nil {
		return Info{}, err
	}
	defer vm.Release()
	return Info{HasValidate: vm.HasValidate(), HasDescribe: vm.HasDescribe(), Meta: vm.Meta()}, nil
}

func (s *Sandbox) compile(ctx context.Context, code string) (*VM, error) {
	program, err := goja.Compile("rule.js", exportDefaultPattern.ReplaceAllString(code, "${1}module.exports = "), false)
	if err != nil {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "compile", "", err)
	}

	rt := goja.New()
	rt.SetMaxCallStackSize(maxCallStackSize)
	if err := limitStringBuilders(rt); err != nil {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "prepare runtime", "", err)
	}

	jsonObj := rt.Get("JSON").ToObject(rt)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "prepare module", "", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "prepare module", "", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "prepare module", "", err)
	}

	vm := &VM{
		rt:              rt,
		parse:           parse,
		stringify:       stringify,
		validateTimeout: s.validateTimeout,
		describeTimeout: s.describeTimeout,
		release:         func() { <-s.slots },
	}

	if _, err := vm.run(ctx, s.validateTimeout, func() (goja.Value, error) {
		return rt.RunProgram(program)
	}); err != nil {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "evaluate module", "", err)
	}

	hooks, err := resolveExports(module.Get("exports"))
	if err != nil {
		return nil, err
	}
	if vm.validate, err = optionalFunction(hooks, "validate"); err != nil {
		return nil, err
	}
	if vm.describe, err = optionalFunction(hooks, "describe"); err != nil {
		return nil, err
	}
	vm.hooks = hooks
	if meta := hooks.Get("meta"); meta != nil && !goja.IsUndefined(meta) && !goja.IsNull(meta) {
		var decoded map[string]any
		if ok, err := vm.fromJS(meta, &decoded); err != nil || !ok {
			return nil, services.Wrap(services.ErrCompile, "sandbox", "read meta", "meta must be a JSON object", err)
		}
		vm.meta = decoded
	}

	s.logger.Debug("rule compiled",
		logging.Bool("validate", vm.validate != nil),
		logging.Bool("describe", vm.describe != nil),
	)
	return vm, nil
}

func resolveExports(exported goja.Value) (*goja.Object, error) {
	obj, ok := exported.(*goja.Object)
	if !ok {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "resolve exports", "default export must be an object", nil)
	}
	if def := obj.Get("default"); def != nil {
		if defObj, ok := def.(*goja.Object); ok {
			obj = defObj
		}
	}
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "resolve exports", "default export must be an object, got a function", nil)
	}
	if obj.ClassName() == "Array" {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "resolve exports", "default export must be an object, got an array", nil)
	}
	return obj, nil
}

func optionalFunction(obj *goja.Object, name string) (goja.Callable, error) {
	value := obj.Get(name)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, services.Wrap(services.ErrCompile, "sandbox", "resolve exports", fmt.Sprintf("%s must be a function", name), nil)
	}
	return fn, nil
}
