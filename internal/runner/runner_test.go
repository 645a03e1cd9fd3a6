package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/quota"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/workspace"
)

// echoSource is a fake sandbox that prints the program source it finds in
// the mounted workspace.
func echoSource(fileName string) sandbox.RunnerFunc {
	return func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		data, err := os.ReadFile(filepath.Join(spec.Dir, fileName))
		if err != nil {
			return nil, err
		}
		return &sandbox.RawResult{Stdout: string(data), Duration: time.Millisecond}, nil
	}
}

func fixed(raw sandbox.RawResult) sandbox.RunnerFunc {
	return func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		r := raw
		return &r, nil
	}
}

func newTestService(t *testing.T, sb sandbox.Runner, opts Options) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.NewManager(root)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return New(language.Default(), ws, sb, nil, opts), root
}

func assertEmptyRoot(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("reading root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover workspaces, found %d", len(entries))
	}
}

func asError(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *runner.Error, got %T: %v", err, err)
	}
	if e.Kind != kind {
		t.Fatalf("kind = %q, want %q (%v)", e.Kind, kind, err)
	}
	return e
}

func TestRunSuccess(t *testing.T) {
	var got sandbox.Spec
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		got = spec
		return echoSource("program.py")(ctx, spec)
	})
	svc, root := newTestService(t, sb, Options{})

	res, err := svc.Run(context.Background(), Request{Language: " Python ", Code: "print('hi')"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 || res.Output != "print('hi')" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Language != "python" || res.ID == "" {
		t.Errorf("unexpected identity %q %q", res.Language, res.ID)
	}
	if got.Image != "python:3.12-slim" || !strings.Contains(got.Command, "program.py") {
		t.Errorf("unexpected spec %+v", got)
	}
	if got.Limits.Timeout != sandbox.DefaultLimits().Timeout {
		t.Errorf("timeout = %v, want default", got.Limits.Timeout)
	}
	assertEmptyRoot(t, root)
}

func TestRunAcceptsWhitespaceOnlyCode(t *testing.T) {
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		return echoSource("program.py")(ctx, spec)
	})
	svc, root := newTestService(t, sb, Options{})

	res, err := svc.Run(context.Background(), Request{Language: "python", Code: "  \n\t"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "  \n\t" {
		t.Errorf("source was altered: %q", res.Output)
	}
	assertEmptyRoot(t, root)
}

func TestRunInvalidRequest(t *testing.T) {
	called := false
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		called = true
		return &sandbox.RawResult{}, nil
	})
	svc, _ := newTestService(t, sb, Options{})

	for _, req := range []Request{
		{Language: "", Code: "print(1)"},
		{Language: "python", Code: ""},
		{Language: "  ", Code: "print(1)"},
	} {
		_, err := svc.Run(context.Background(), req)
		e := asError(t, err, KindInvalidRequest)
		if e.Status() != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", e.Status())
		}
		if e.Error() != "Language and code are required" {
			t.Errorf("message = %q", e.Error())
		}
	}
	if called {
		t.Error("sandbox should not run for invalid requests")
	}
}

func TestRunUnsupportedLanguageTouchesNothing(t *testing.T) {
	called := false
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		called = true
		return &sandbox.RawResult{}, nil
	})
	svc, root := newTestService(t, sb, Options{})

	_, err := svc.Run(context.Background(), Request{Language: "cobol", Code: "DISPLAY 'HI'."})
	e := asError(t, err, KindUnsupportedLanguage)
	if e.Status() != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", e.Status())
	}
	if e.Error() != "Unsupported language: cobol" {
		t.Errorf("message = %q", e.Error())
	}
	if !errors.Is(err, language.ErrNotFound) {
		t.Error("expected the registry error to be wrapped")
	}
	if called {
		t.Error("sandbox should not run")
	}
	assertEmptyRoot(t, root)
}

func TestRunProgramFailureIsClassified(t *testing.T) {
	tests := []struct {
		name    string
		raw     sandbox.RawResult
		wantMsg string
	}{
		{
			name: "stderr",
			raw: sandbox.RawResult{
				ExitCode: 1,
				Stderr:   "Traceback (most recent call last):\n  File \"/app/program.py\", line 1, in <module>\nNameError: name 'x' is not defined\n",
			},
			wantMsg: "NameError: name 'x' is not defined at line 1",
		},
		{
			name:    "stdout fallback",
			raw:     sandbox.RawResult{ExitCode: 2, Stdout: "ValueError: bad input"},
			wantMsg: "ValueError: bad input",
		},
		{
			name:    "unknown",
			raw:     sandbox.RawResult{ExitCode: 139},
			wantMsg: "An unknown error occurred while running the code.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, root := newTestService(t, fixed(tt.raw), Options{})

			res, err := svc.Run(context.Background(), Request{Language: "python", Code: "print(x)"})
			if res != nil {
				t.Errorf("expected nil result on failure, got %+v", res)
			}
			e := asError(t, err, KindExecutionFailed)
			if e.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", e.Message, tt.wantMsg)
			}
			if e.Error() != "Code execution failed: "+tt.wantMsg {
				t.Errorf("Error() = %q", e.Error())
			}
			if e.Status() != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", e.Status())
			}
			if e.Result == nil || e.Result.ExitCode != tt.raw.ExitCode || e.Result.ErrorMessage != tt.wantMsg {
				t.Errorf("unexpected carried result %+v", e.Result)
			}
			assertEmptyRoot(t, root)
		})
	}
}

func TestRunTimeLimit(t *testing.T) {
	var got sandbox.Spec
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		got = spec
		return &sandbox.RawResult{ExitCode: 137, TimedOut: true, Stdout: "partial"}, nil
	})
	svc, root := newTestService(t, sb, Options{Limits: sandbox.Limits{Timeout: 2 * time.Second}})

	_, err := svc.Run(context.Background(), Request{Language: "node", Code: "while(true){}"})
	e := asError(t, err, KindExecutionFailed)
	if got.Limits.Timeout != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", got.Limits.Timeout)
	}
	if e.Message != "Time Limit Exceeded: execution took longer than 2s" {
		t.Errorf("message = %q", e.Message)
	}
	if !e.Result.TimedOut || e.Result.Output != "partial" {
		t.Errorf("unexpected result %+v", e.Result)
	}
	assertEmptyRoot(t, root)
}

func TestRunLanguageTimeoutOverride(t *testing.T) {
	var got sandbox.Spec
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		got = spec
		return &sandbox.RawResult{}, nil
	})
	svc, _ := newTestService(t, sb, Options{})

	java, err := language.Default().Lookup("java")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Run(context.Background(), Request{Language: "java", Code: "class Program {}"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Limits.Timeout != java.Timeout {
		t.Errorf("timeout = %v, want %v", got.Limits.Timeout, java.Timeout)
	}
}

func TestRunMemoryLimit(t *testing.T) {
	svc, _ := newTestService(t, fixed(sandbox.RawResult{ExitCode: 137, OOMKilled: true}), Options{})

	_, err := svc.Run(context.Background(), Request{Language: "python", Code: "x = 'a' * 10**10"})
	e := asError(t, err, KindExecutionFailed)
	if e.Message != "Memory Limit Exceeded: program used more than 256MiB" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestRunInfrastructureFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"engine", fmt.Errorf("%w: connection refused", sandbox.ErrEngine), "sandbox engine unavailable"},
		{"image", fmt.Errorf("%w: python:3.12-slim", sandbox.ErrImageNotFound), "sandbox image python:3.12-slim is not available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
				return nil, tt.err
			})
			svc, root := newTestService(t, sb, Options{})

			_, err := svc.Run(context.Background(), Request{Language: "python", Code: "print(1)"})
			e := asError(t, err, KindInfrastructure)
			if e.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", e.Message, tt.wantMsg)
			}
			if e.Status() != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", e.Status())
			}
			if !errors.Is(err, tt.err) {
				t.Error("expected the sandbox error to be wrapped")
			}
			assertEmptyRoot(t, root)
		})
	}
}

func TestRunDisposesWhenSandboxPanics(t *testing.T) {
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		panic("engine exploded")
	})
	svc, root := newTestService(t, sb, Options{MaxConcurrent: 1})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		svc.Run(context.Background(), Request{Language: "python", Code: "print(1)"})
	}()
	assertEmptyRoot(t, root)

	// The admission slot was released too.
	svc.sandbox = fixed(sandbox.RawResult{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := svc.Run(ctx, Request{Language: "python", Code: "print(1)"}); err != nil {
		t.Fatalf("Run after panic: %v", err)
	}
}

func TestRunConcurrentIsolation(t *testing.T) {
	svc, root := newTestService(t, echoSource("program.py"), Options{MaxConcurrent: 4})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := fmt.Sprintf("print(%d)", i)
			res, err := svc.Run(context.Background(), Request{Language: "python", Code: code})
			if err != nil {
				errs <- err
				return
			}
			if res.Output != code {
				errs <- fmt.Errorf("request %d saw %q", i, res.Output)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assertEmptyRoot(t, root)
}

func TestRunAdmissionHonoursContext(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		close(started)
		<-unblock
		return &sandbox.RawResult{}, nil
	})
	svc, _ := newTestService(t, sb, Options{MaxConcurrent: 1})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), Request{Language: "python", Code: "print(1)"})
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Run(ctx, Request{Language: "python", Code: "print(2)"})
	asError(t, err, KindInfrastructure)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRunQuota(t *testing.T) {
	svc, _ := newTestService(t, fixed(sandbox.RawResult{}), Options{Quota: quota.NewMemory(1, time.Hour)})
	ctx := context.Background()

	if _, err := svc.Run(ctx, Request{Language: "python", Code: "print(1)", Caller: "10.0.0.1"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := svc.Run(ctx, Request{Language: "python", Code: "print(1)", Caller: "10.0.0.1"})
	e := asError(t, err, KindQuotaExceeded)
	if e.Status() != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", e.Status())
	}
	if e.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", e.RetryAfter)
	}

	// Requests without a caller are not metered.
	if _, err := svc.Run(ctx, Request{Language: "python", Code: "print(1)"}); err != nil {
		t.Fatalf("anonymous run: %v", err)
	}
}

func TestRunUsesRequestID(t *testing.T) {
	var got string
	sb := sandbox.RunnerFunc(func(ctx context.Context, spec sandbox.Spec) (*sandbox.RawResult, error) {
		got = spec.ID
		return &sandbox.RawResult{}, nil
	})
	svc, _ := newTestService(t, sb, Options{})

	res, err := svc.Run(context.Background(), Request{ID: "fixed-id", Language: "bash", Code: "echo hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "fixed-id" || res.ID != "fixed-id" {
		t.Errorf("ids = %q / %q, want fixed-id", got, res.ID)
	}
}
