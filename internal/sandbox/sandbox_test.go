package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedloom/internal/feed"
	"feedloom/internal/logging"
	"feedloom/internal/sandbox"
	"feedloom/internal/services"
	"feedloom/internal/testsupport"
)

func newSandbox(t *testing.T, maxVMs int) *sandbox.Sandbox {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithSandboxTimeouts(200, 300))
	cfg.Sandbox.MaxVMs = maxVMs
	return sandbox.New(cfg, logging.NewNop())
}

func mustCompile(t *testing.T, sb *sandbox.Sandbox, code string) *sandbox.VM {
	t.Helper()
	vm, err := sb.Compile(context.Background(), code)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	t.Cleanup(vm.Release)
	return vm
}

func TestCompileAcceptsModuleShapes(t *testing.T) {
	sb := newSandbox(t, 4)
	cases := []struct {
		name string
		code string
	}{
		{"export default", `export default { validate(e) { return e.title.includes("Show") } }`},
		{"module.exports", `module.exports = { validate: (e) => e.title.includes("Show") }`},
		{"exports.default", `exports.default = { validate: (e) => e.title.includes("Show") }`},
	}
	entry := feed.Entry{ID: "1", Title: "Show - 01"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vm := mustCompile(t, sb, tc.code)
			if !vm.HasValidate() || vm.HasDescribe() {
				t.Fatalf("unexpected hooks validate=%v describe=%v", vm.HasValidate(), vm.HasDescribe())
			}
			ok, err := vm.Validate(context.Background(), entry)
			if err != nil || !ok {
				t.Fatalf("Validate = %v, %v", ok, err)
			}
		})
	}
}

func TestCompileRejectsBadModules(t *testing.T) {
	sb := newSandbox(t, 4)
	cases := []struct {
		name string
		code string
	}{
		{"syntax error", `export default { validate( }`},
		{"primitive export", `export default 42`},
		{"function export", `export default function () { return true }`},
		{"throwing module", `throw new Error("nope")`},
		{"non-function hook", `export default { validate: true }`},
		{"non-object meta", `export default { meta: 3 }`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := sb.Compile(context.Background(), tc.code); !errors.Is(err, services.ErrCompile) {
				t.Fatalf("expected compile error, got %v", err)
			}
		})
	}

	// Failed compiles must hand their slot back.
	one := newSandbox(t, 1)
	for i := 0; i < 3; i++ {
		if _, err := one.Compile(context.Background(), `export default 1`); !errors.Is(err, services.ErrCompile) {
			t.Fatalf("expected compile error, got %v", err)
		}
	}
	mustCompile(t, one, `export default {}`)
}

func TestValidateCoercesTruthiness(t *testing.T) {
	sb := newSandbox(t, 2)
	vm := mustCompile(t, sb, `export default { validate: (e) => e.enclosure.url }`)

	ok, err := vm.Validate(context.Background(), feed.Entry{ID: "1", Enclosure: feed.Enclosure{URL: "magnet:?x"}})
	if err != nil || !ok {
		t.Fatalf("expected truthy match, got %v %v", ok, err)
	}
	ok, err = vm.Validate(context.Background(), feed.Entry{ID: "2"})
	if err != nil || ok {
		t.Fatalf("expected falsy, got %v %v", ok, err)
	}
}

func TestHookExceptionIsRuntimeError(t *testing.T) {
	sb := newSandbox(t, 2)
	vm := mustCompile(t, sb, `export default { validate(e) { throw new Error("bad entry " + e.id) } }`)

	_, err := vm.Validate(context.Background(), feed.Entry{ID: "9"})
	if !errors.Is(err, services.ErrHookRuntime) {
		t.Fatalf("expected hook runtime error, got %v", err)
	}
	if !services.IsRuleFailure(err) {
		t.Fatal("expected rule failure classification")
	}
}

func TestHookTimeoutInterruptsAndVMStaysUsable(t *testing.T) {
	sb := newSandbox(t, 2)
	vm := mustCompile(t, sb, `
		export default {
			validate(e) {
				if (e.id === "loop") { while (true) {} }
				return true
			}
		}`)

	start := time.Now()
	_, err := vm.Validate(context.Background(), feed.Entry{ID: "loop"})
	if !errors.Is(err, services.ErrSandboxTimeout) {
		t.Fatalf("expected sandbox timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}

	ok, err := vm.Validate(context.Background(), feed.Entry{ID: "fine"})
	if err != nil || !ok {
		t.Fatalf("expected VM to recover after interrupt, got %v %v", ok, err)
	}
}

func TestHugeStringBuildersThrowRangeError(t *testing.T) {
	sb := newSandbox(t, 2)
	vm := mustCompile(t, sb, `
		export default {
			validate(e) {
				if (e.id === "repeat") { return "ab".repeat(1 << 30).length > 0 }
				let caught = 0
				for (const build of [() => "x".padStart(1e9), () => "x".padEnd(1e9, "y")]) {
					try { build() } catch (err) { if (err instanceof RangeError) caught++ }
				}
				return caught === 2 && "ab".repeat(3) === "ababab" && "7".padStart(3, "0") === "007"
			}
		}`)

	start := time.Now()
	_, err := vm.Validate(context.Background(), feed.Entry{ID: "repeat"})
	if !errors.Is(err, services.ErrHookRuntime) {
		t.Fatalf("expected hook runtime error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("oversized repeat was not refused up front: took %s", elapsed)
	}

	ok, err := vm.Validate(context.Background(), feed.Entry{ID: "pad"})
	if err != nil || !ok {
		t.Fatalf("expected catchable RangeErrors and working builders, got %v %v", ok, err)
	}
}

func TestSandboxHasNoAmbientAccess(t *testing.T) {
	sb := newSandbox(t, 2)
	vm := mustCompile(t, sb, `
		export default {
			validate() {
				return typeof require === "undefined" &&
					typeof setTimeout === "undefined" &&
					typeof process === "undefined" &&
					typeof fetch === "undefined"
			}
		}`)
	ok, err := vm.Validate(context.Background(), feed.Entry{ID: "1"})
	if err != nil || !ok {
		t.Fatalf("expected bare runtime, got %v %v", ok, err)
	}
}

func TestArgumentsAreCopies(t *testing.T) {
	sb := newSandbox(t, 2)
	vm := mustCompile(t, sb, `export default { validate(e) { e.title = "mutated"; return true } }`)

	entry := feed.Entry{ID: "1", Title: "original"}
	if _, err := vm.Validate(context.Background(), entry); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if entry.Title != "original" {
		t.Fatalf("entry mutated across boundary: %q", entry.Title)
	}
}

func TestDescribeReturnsDescriptor(t *testing.T) {
	sb := newSandbox(t, 2)
	vm := mustCompile(t, sb, `
		export default {
			meta: { author: "me", version: 2 },
			describe(entry, file, ctx) {
				if (!file.name.endsWith(".mkv")) return null
				const m = entry.title.match(/- (\d+)/)
				return {
					series: "Show",
					episode: Number(m[1]),
					media: { name: ctx.name + "/" + file.name },
					overwriteEpisode: true,
				}
			}
		}`)

	if vm.HasValidate() || !vm.HasDescribe() {
		t.Fatalf("unexpected hooks")
	}
	if meta := vm.Meta(); meta["author"] != "me" || meta["version"] != float64(2) {
		t.Fatalf("unexpected meta %#v", meta)
	}

	entry := feed.Entry{ID: "1", Title: "Show - 07"}
	desc, err := vm.Describe(context.Background(), entry,
		sandbox.File{Path: "/dl/a.mkv", Name: "a.mkv", Size: 10},
		sandbox.DescribeContext{ItemID: 5, Name: "Show - 07", Files: []string{"/dl/a.mkv"}},
	)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if !desc.HasEpisode() || *desc.Episode != 7 || desc.Series != "Show" || !desc.OverwriteEpisode {
		t.Fatalf("unexpected descriptor %#v", desc)
	}
	if desc.Media == nil || desc.Media.Name != "Show - 07/a.mkv" {
		t.Fatalf("unexpected media hint %#v", desc.Media)
	}

	none, err := vm.Describe(context.Background(), entry, sandbox.File{Name: "a.nfo"}, sandbox.DescribeContext{})
	if err != nil || none != nil {
		t.Fatalf("expected no descriptor, got %#v %v", none, err)
	}

	if ok, err := vm.Validate(context.Background(), entry); err != nil || ok {
		t.Fatalf("rule without validate must not match, got %v %v", ok, err)
	}
}

func TestAsyncHooksResolve(t *testing.T) {
	sb := newSandbox(t, 2)
	vm := mustCompile(t, sb, `export default { async validate(e) { return e.id === "yes" } }`)

	ok, err := vm.Validate(context.Background(), feed.Entry{ID: "yes"})
	if err != nil || !ok {
		t.Fatalf("expected resolved promise true, got %v %v", ok, err)
	}
}

func TestReleaseIsIdempotentAndFreesSlot(t *testing.T) {
	sb := newSandbox(t, 1)
	vm, err := sb.Compile(context.Background(), `export default { validate: () => true }`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sb.Compile(ctx, `export default {}`); err == nil {
		t.Fatal("expected compile to wait for a free slot")
	}

	vm.Release()
	vm.Release()
	if _, err := vm.Validate(context.Background(), feed.Entry{ID: "1"}); !errors.Is(err, sandbox.ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}

	info, err := sb.Check(context.Background(), `export default { validate: () => true, describe: () => null }`)
	if err != nil {
		t.Fatalf("Check after release: %v", err)
	}
	if !info.HasValidate || !info.HasDescribe {
		t.Fatalf("unexpected info %#v", info)
	}
}
