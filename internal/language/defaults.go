package language

import "time"

// Builtin returns the built-in language table.
func Builtin() []Config {
	return []Config{
		{
			ID:         "node",
			Name:       "JavaScript (Node.js)",
			Aliases:    []string{"js", "javascript"},
			FileName:   "program.js",
			Image:      "node:22-slim",
			RunCommand: "node program.js",
		},
		{
			ID:         "python",
			Name:       "Python",
			Aliases:    []string{"py", "python3"},
			FileName:   "program.py",
			Image:      "python:3.12-slim",
			RunCommand: "python program.py",
		},
		{
			ID:         "cpp",
			Name:       "C++",
			Aliases:    []string{"c++"},
			FileName:   "program.cpp",
			Image:      "gcc:14",
			RunCommand: "g++ -O2 -o program program.cpp && ./program",
		},
		{
			ID:         "c",
			Name:       "C",
			FileName:   "program.c",
			Image:      "gcc:14",
			RunCommand: "gcc -O2 -o program program.c -lm && ./program",
		},
		{
			ID:         "java",
			Name:       "Java",
			FileName:   "Program.java",
			Image:      "eclipse-temurin:21-jdk",
			RunCommand: "javac Program.java && java Program",
			Timeout:    20 * time.Second,
		},
		{
			ID:         "go",
			Name:       "Go",
			Aliases:    []string{"golang"},
			FileName:   "program.go",
			Image:      "golang:1.23-alpine",
			RunCommand: "go run program.go",
			Timeout:    20 * time.Second,
		},
		{
			ID:         "rust",
			Name:       "Rust",
			Aliases:    []string{"rs"},
			FileName:   "program.rs",
			Image:      "rust:1.82-slim",
			RunCommand: "rustc -O -o program program.rs && ./program",
			Timeout:    30 * time.Second,
		},
		{
			ID:         "ruby",
			Name:       "Ruby",
			Aliases:    []string{"rb"},
			FileName:   "program.rb",
			Image:      "ruby:3.3-slim",
			RunCommand: "ruby program.rb",
		},
		{
			ID:         "php",
			Name:       "PHP",
			FileName:   "program.php",
			Image:      "php:8.3-cli",
			RunCommand: "php program.php",
		},
		{
			ID:         "bash",
			Name:       "Bash",
			Aliases:    []string{"shell", "sh"},
			FileName:   "program.sh",
			Image:      "bash:5.2",
			RunCommand: "bash program.sh",
		},
		{
			ID:         "typescript",
			Name:       "TypeScript",
			Aliases:    []string{"ts"},
			FileName:   "program.ts",
			Image:      "denoland/deno:2.1.4",
			RunCommand: "DENO_DIR=/tmp/deno deno run --quiet --no-prompt program.ts",
		},
		{
			ID:         "kotlin",
			Name:       "Kotlin",
			Aliases:    []string{"kt"},
			FileName:   "Program.kt",
			Image:      "zenika/kotlin:1.9",
			RunCommand: "kotlinc Program.kt -include-runtime -d program.jar && java -jar program.jar",
			Timeout:    60 * time.Second,
		},
		{
			ID:         "swift",
			Name:       "Swift",
			FileName:   "program.swift",
			Image:      "swift:5.10",
			RunCommand: "swift program.swift",
			Timeout:    30 * time.Second,
		},
	}
}

// Default returns a registry holding the built-in table.
func Default() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic("language: invalid builtin table: " + err.Error())
	}
	return r
}
