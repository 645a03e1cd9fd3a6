package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/runner"
)

func TestLanguageForFile(t *testing.T) {
	reg := language.Default()

	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"hello.py", "python", false},
		{"Main.java", "java", false},
		{"dir/main.GO", "go", false},
		{"script.rs", "rust", false},
		{"notes.txt", "", true},
		{"Makefile", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := languageForFile(reg, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintResult(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var out, errOut bytes.Buffer
		err := printResult(&out, &errOut, &runner.Result{Output: "hi\n"}, nil)
		if err != nil || out.String() != "hi\n" {
			t.Errorf("got %q, %v", out.String(), err)
		}
	})

	t.Run("program failure keeps exit code", func(t *testing.T) {
		var out, errOut bytes.Buffer
		failure := &runner.Error{
			Kind:    runner.KindExecutionFailed,
			Message: "NameError: name 'x' is not defined",
			Result:  &runner.Result{ExitCode: 3, Output: "partial\n"},
		}
		err := printResult(&out, &errOut, nil, failure)

		var exit exitCodeError
		if !errors.As(err, &exit) || exit.code != 3 {
			t.Fatalf("err = %v, want exit code 3", err)
		}
		if out.String() != "partial\n" {
			t.Errorf("stdout = %q", out.String())
		}
		if !strings.Contains(errOut.String(), "NameError") {
			t.Errorf("stderr = %q", errOut.String())
		}
	})

	t.Run("request error passes through", func(t *testing.T) {
		var out, errOut bytes.Buffer
		reqErr := &runner.Error{Kind: runner.KindUnsupportedLanguage, Message: "Unsupported language: cobol"}
		if err := printResult(&out, &errOut, nil, reqErr); err != reqErr {
			t.Errorf("err = %v", err)
		}
	})
}
