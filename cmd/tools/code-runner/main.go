package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/runbox/internal/app"
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/logging"
	"github.com/michaelbrown/runbox/internal/runner"
)

// maxToolOutput bounds the text handed back to the model.
const maxToolOutput = 4000

func main() {
	cfg, err := config.Load(os.Getenv("RUNBOX_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the protocol, so logs go to stderr
	logger, err := logging.New(cfg.Log.Level, "json", os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	a, err := app.Build(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("building service")
	}
	defer a.Close()

	s := server.NewMCPServer("runbox-code-runner", "0.1.0")
	tool := &codeRunner{service: a.Service}
	s.AddTool(tool.definition(), tool.handle)

	if err := server.ServeStdio(s); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
}

type codeRunner struct {
	service *runner.Service
}

func (c *codeRunner) definition() mcp.Tool {
	var langs []string
	for _, l := range c.service.Languages() {
		langs = append(langs, l.ID)
	}
	return mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in an isolated Docker sandbox with no network access. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Language id or alias (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Complete program source to execute",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

func (c *codeRunner) handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	language, _ := args["language"].(string)
	code, _ := args["code"].(string)

	res, err := c.service.Run(ctx, runner.Request{Language: language, Code: code, Caller: "mcp"})
	if err != nil {
		var rerr *runner.Error
		if errors.As(err, &rerr) && rerr.Result != nil {
			return errResult(formatFailure(rerr)), nil
		}
		return errResult("error: " + err.Error()), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: clip(res.Output)}},
	}, nil
}

func formatFailure(e *runner.Error) string {
	var b strings.Builder
	b.WriteString(e.Error())
	if out := e.Result.Output; out != "" {
		b.WriteString("\n\nSTDOUT:\n" + out)
	}
	if e.Result.Stderr != "" {
		b.WriteString("\n\nSTDERR:\n" + e.Result.Stderr)
	}
	fmt.Fprintf(&b, "\nexit code: %d", e.Result.ExitCode)
	return clip(b.String())
}

func clip(text string) string {
	if len(text) > maxToolOutput {
		return text[:maxToolOutput] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
