// builtins.go registers the stock capabilities: workspace file access,
// sandboxed command execution, and a size-capped HTTP fetch. File paths are
// confined to the active persona's workspace, carried through the context.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
	"github.com/jholhewres/agentgate/pkg/agentgate/sandbox"
)

// ctxKeyWorkspace carries the active workspace root through the context
// chain, so concurrent turns for different personas stay isolated.
type ctxKeyWorkspace struct{}

// ContextWithWorkspace returns a context carrying the workspace root.
func ContextWithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, ctxKeyWorkspace{}, workspace)
}

// WorkspaceFromContext extracts the workspace root, empty when unset.
func WorkspaceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyWorkspace{}).(string); ok {
		return v
	}
	return ""
}

// ctxKeyConversation carries the conversation ID that invoked the current
// tool call, so handlers can tell where they were called from.
type ctxKeyConversation struct{}

// ContextWithConversation returns a context carrying the conversation ID.
func ContextWithConversation(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ctxKeyConversation{}, conversationID)
}

// ConversationFromContext extracts the conversation ID, empty when unset.
func ConversationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyConversation{}).(string); ok {
		return v
	}
	return ""
}

// maxHTTPFetchBytes caps http_get response bodies.
const maxHTTPFetchBytes = 256 << 10

// maxFileReadBytes caps read_file results before the executor's own cap.
const maxFileReadBytes = 512 << 10

// RegisterBuiltins adds the stock tools to the registry.
func RegisterBuiltins(e *Executor, sb sandbox.Executor) {
	e.Register(makeDefinition("read_file",
		"Read a text file from the workspace. Args: path (relative to workspace).",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "File path relative to the workspace"},
			},
			"required": []string{"path"},
		}), handleReadFile, 10*time.Second)

	e.Register(makeDefinition("write_file",
		"Write a text file inside the workspace, creating parent directories. Args: path, content.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "File path relative to the workspace"},
				"content": map[string]any{"type": "string", "description": "Full file content"},
			},
			"required": []string{"path", "content"},
		}), handleWriteFile, 10*time.Second)

	e.Register(makeDefinition("list_dir",
		"List a directory inside the workspace. Args: path (optional, defaults to workspace root).",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path relative to the workspace"},
			},
		}), handleListDir, 10*time.Second)

	e.Register(makeDefinition("exec",
		"Run a command in the workspace. Args: command (string), shell (bool, default false).",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Command line to run"},
				"shell":   map[string]any{"type": "boolean", "description": "Interpret via the shell"},
			},
			"required": []string{"command"},
		}), makeExecHandler(sb), 0)

	e.Register(makeDefinition("http_get",
		"Fetch a URL over HTTP GET. Args: url. Response body is size-capped.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "http(s) URL to fetch"},
			},
			"required": []string{"url"},
		}), handleHTTPGet, 30*time.Second)
}

func makeDefinition(name, description string, params map[string]any) provider.ToolDefinition {
	return provider.ToolDefinition{
		Type: "function",
		Function: provider.FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

// resolveWorkspacePath joins a relative path onto the workspace root and
// rejects anything that escapes it.
func resolveWorkspacePath(ctx context.Context, rel string) (string, error) {
	root := WorkspaceFromContext(ctx)
	if root == "" {
		return "", fmt.Errorf("no workspace configured for this persona")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving workspace: %w", err)
	}
	full := filepath.Clean(filepath.Join(absRoot, rel))
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return full, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func handleReadFile(ctx context.Context, args map[string]any) (any, error) {
	path, err := resolveWorkspacePath(ctx, stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileReadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileReadBytes {
		return string(data[:maxFileReadBytes]) + "\n...[file truncated]", nil
	}
	return string(data), nil
}

func handleWriteFile(ctx context.Context, args map[string]any) (any, error) {
	path, err := resolveWorkspacePath(ctx, stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(args, "path")), nil
}

func handleListDir(ctx context.Context, args map[string]any) (any, error) {
	path, err := resolveWorkspacePath(ctx, stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

func makeExecHandler(sb sandbox.Executor) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		command := stringArg(args, "command")
		if command == "" {
			return nil, fmt.Errorf("missing command")
		}
		useShell, _ := args["shell"].(bool)

		req := &sandbox.ExecRequest{
			WorkDir: WorkspaceFromContext(ctx),
			Shell:   useShell,
		}
		if useShell {
			req.Command = []string{command}
		} else {
			req.Command = strings.Fields(command)
		}

		result, err := sb.Execute(ctx, req)
		if err != nil {
			return nil, err
		}

		var b strings.Builder
		if result.Stdout != "" {
			b.WriteString(result.Stdout)
		}
		if result.Stderr != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("stderr: ")
			b.WriteString(result.Stderr)
		}
		if result.Killed {
			fmt.Fprintf(&b, "\n[killed: %s]", result.KillReason)
		}
		if result.ExitCode != 0 {
			fmt.Fprintf(&b, "\n[exit code %d]", result.ExitCode)
		}
		if b.Len() == 0 {
			return "(no output)", nil
		}
		return b.String(), nil
	}
}

func handleHTTPGet(ctx context.Context, args map[string]any) (any, error) {
	url := stringArg(args, "url")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("only http(s) URLs are supported")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPFetchBytes+1))
	if err != nil {
		return nil, err
	}
	out := string(body)
	if len(body) > maxHTTPFetchBytes {
		out = out[:maxHTTPFetchBytes] + "\n...[body truncated]"
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, out), nil
	}
	return out, nil
}
