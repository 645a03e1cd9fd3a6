package classify

import (
	"regexp"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	c := New("program.js", "program.py", "program.c", "Program.java", "program.go", "program.rs")

	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "python name error without location",
			text: "NameError: name 'x' is not defined",
			want: "NameError: name 'x' is not defined",
		},
		{
			name: "python traceback with line",
			text: "Traceback (most recent call last):\n  File \"/app/program.py\", line 3, in <module>\n    print(x)\nNameError: name 'x' is not defined\n",
			want: "NameError: name 'x' is not defined at line 3",
		},
		{
			name: "node reference error",
			text: "/app/program.js:2\nconsole.log(y)\n            ^\n\nReferenceError: y is not defined\n    at Object.<anonymous> (/app/program.js:2:13)\n",
			want: "ReferenceError: y is not defined at line 2",
		},
		{
			name: "indentation error",
			text: "  File \"/app/program.py\", line 2\n    print(1)\nIndentationError: unexpected indent",
			want: "IndentationError: unexpected indent at line 2",
		},
		{
			name: "gcc compilation error",
			text: "program.c: In function 'main':\nprogram.c:3:14: error: expected ';' before '}' token\n",
			want: "Compilation Error: expected ';' before '}' token",
		},
		{
			name: "bare compilation error",
			text: "error: expected ';' before '}'",
			want: "Compilation Error: expected ';' before '}'",
		},
		{
			name: "javac error",
			text: "Program.java:3: error: ';' expected\n        int x = 1\n                 ^\n1 error\n",
			want: "Compilation Error: ';' expected",
		},
		{
			name: "rustc error with code",
			text: "error[E0425]: cannot find value `x` in this scope\n --> program.rs:2:20\n",
			want: "Compilation Error: cannot find value `x` in this scope",
		},
		{
			name: "go compile error",
			text: "# command-line-arguments\n./program.go:4:2: undefined: x\n",
			want: "Compilation Error: undefined: x",
		},
		{
			name: "go panic",
			text: "panic: runtime error: integer divide by zero\n\ngoroutine 1 [running]:\nmain.main()\n",
			want: "Panic: runtime error: integer divide by zero",
		},
		{
			name: "java exception falls to generic",
			text: "Exception in thread \"main\" java.lang.ArithmeticException: / by zero\n\tat Program.main(Program.java:3)\n",
			want: "java.lang.ArithmeticException: / by zero",
		},
		{
			name: "ruby name error",
			text: "/app/program.rb:1:in '<main>': undefined local variable or method 'x' for main (NameError)\n",
			want: "NameError: undefined local variable or method 'x' for main at line 1",
		},
		{
			name: "ruby division with backtrace",
			text: "program.rb:3:in `/': divided by 0 (ZeroDivisionError)\n\tfrom program.rb:3:in `<main>'\n",
			want: "ZeroDivisionError: divided by 0 at line 3",
		},
		{
			name: "ruby argument error",
			text: "program.rb:2:in 'Kernel#Integer': invalid value for Integer(): \"abc\" (ArgumentError)\n",
			want: "ArgumentError: invalid value for Integer(): \"abc\" at line 2",
		},
		{
			name: "nothing recognisable",
			text: "Segmentation fault (core dumped)",
			want: Unknown,
		},
		{
			name: "empty",
			text: "",
			want: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.text); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyWithoutFileNames(t *testing.T) {
	got := New().Classify("TypeError: x is not a function\n    at /app/program.js:7:3")
	if got != "TypeError: x is not a function at line 7" {
		t.Errorf("Classify() = %q", got)
	}
}

func TestRuntimeRuleWinsOverCompile(t *testing.T) {
	text := "error: something went wrong\nSyntaxError: invalid syntax"
	if got := New().Classify(text); got != "SyntaxError: invalid syntax" {
		t.Errorf("Classify() = %q, want the runtime rule to win", got)
	}
}

func TestClassifyRecoversFromPanickingRule(t *testing.T) {
	rules := []Rule{{
		Name:    "broken",
		Pattern: regexp.MustCompile(`.*`),
		Format: func(*Classifier, []string, string) string {
			panic("boom")
		},
	}}
	if got := NewWithRules(rules).Classify("anything"); got != Unknown {
		t.Errorf("Classify() = %q, want %q", got, Unknown)
	}
}

func TestClassifyLargeInput(t *testing.T) {
	text := strings.Repeat("x", maxScan*2) + "NameError: late"
	if got := New().Classify(text); got != Unknown {
		t.Errorf("Classify() = %q, want output past the scan limit ignored", got)
	}
}
