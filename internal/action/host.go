package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"strings"
	"text/template"
	"time"
)

// Host is the OS-side execution layer: keystroke injection, mouse control,
// window management and clipboard access. Calls are synchronous; the detail
// describes what the host did.
type Host interface {
	Execute(ctx context.Context, commandID string, args Args) (detail string, err error)
}

// ErrNotConfigured is returned by ExecHost for a command without a command line.
var ErrNotConfigured = errors.New("action: no host command configured")

// ExecHost runs one configured command line per command identifier, e.g.
//
//	press_key: "xdotool key {{.key}}"
//	type_text: "xdotool type --delay 0 -- {{.text}}"
//
// Each whitespace separated field of the template is rendered on its own and
// passed to the process as a single argument, so argument values are never
// re-split or interpreted by a shell. Template actions must therefore not
// contain spaces: write {{.key}}, not {{ .key }}.
type ExecHost struct {
	commands map[string][]*template.Template
	timeout  time.Duration
	run      func(ctx context.Context, argv []string) ([]byte, error)
}

// ExecOption configures an ExecHost.
type ExecOption func(*ExecHost)

// WithExecTimeout bounds each process. Default: 5s.
func WithExecTimeout(d time.Duration) ExecOption {
	return func(h *ExecHost) { h.timeout = d }
}

// withRunner replaces process execution; used by tests.
func withRunner(fn func(ctx context.Context, argv []string) ([]byte, error)) ExecOption {
	return func(h *ExecHost) { h.run = fn }
}

// NewExecHost parses the command-line templates.
func NewExecHost(commands map[string]string, opts ...ExecOption) (*ExecHost, error) {
	h := &ExecHost{
		commands: make(map[string][]*template.Template, len(commands)),
		timeout:  5 * time.Second,
		run:      runProcess,
	}
	for _, o := range opts {
		o(h)
	}

	var errs []error
	for _, id := range slices.Sorted(maps.Keys(commands)) {
		fields := strings.Fields(commands[id])
		if len(fields) == 0 {
			errs = append(errs, fmt.Errorf("action: host command %q is empty", id))
			continue
		}
		tmpls := make([]*template.Template, 0, len(fields))
		for i, f := range fields {
			t, err := template.New(fmt.Sprintf("%s[%d]", id, i)).Option("missingkey=zero").Parse(f)
			if err != nil {
				errs = append(errs, fmt.Errorf("action: host command %q: %w", id, err))
				break
			}
			tmpls = append(tmpls, t)
		}
		h.commands[id] = tmpls
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return h, nil
}

// Supports reports whether a command line is configured for commandID.
func (h *ExecHost) Supports(commandID string) bool {
	_, ok := h.commands[commandID]
	return ok
}

// Execute implements Host.
func (h *ExecHost) Execute(ctx context.Context, commandID string, args Args) (string, error) {
	tmpls, ok := h.commands[commandID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, commandID)
	}
	argv, err := render(tmpls, args)
	if err != nil {
		return "", fmt.Errorf("action: render %s: %w", commandID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	out, err := h.run(ctx, argv)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return "", fmt.Errorf("action: %s: %w: %s", argv[0], err, msg)
		}
		return "", fmt.Errorf("action: %s: %w", argv[0], err)
	}
	return strings.Join(argv, " "), nil
}

func render(tmpls []*template.Template, args Args) ([]string, error) {
	data := map[string]string(args)
	argv := make([]string, 0, len(tmpls))
	var buf bytes.Buffer
	for _, t := range tmpls {
		buf.Reset()
		if err := t.Execute(&buf, data); err != nil {
			return nil, err
		}
		argv = append(argv, buf.String())
	}
	return argv, nil
}

func runProcess(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

// LogHost only logs what would have been executed. It backs dry runs and
// hosts without an injection tool installed.
type LogHost struct {
	Logger *slog.Logger
}

// Execute implements Host.
func (h LogHost) Execute(ctx context.Context, commandID string, args Args) (string, error) {
	l := h.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := make([]any, 0, len(args)*2+2)
	attrs = append(attrs, "command", commandID)
	for _, k := range slices.Sorted(maps.Keys(args)) {
		attrs = append(attrs, k, args[k])
	}
	l.InfoContext(ctx, "action: dry run", attrs...)
	return "dry run: " + commandID, nil
}

// FallbackHost tries Primary and uses Secondary for commands the primary
// has no command line for.
type FallbackHost struct {
	Primary   *ExecHost
	Secondary Host
}

// Execute implements Host.
func (h FallbackHost) Execute(ctx context.Context, commandID string, args Args) (string, error) {
	if h.Primary != nil && h.Primary.Supports(commandID) {
		return h.Primary.Execute(ctx, commandID, args)
	}
	return h.Secondary.Execute(ctx, commandID, args)
}

var (
	_ Host = (*ExecHost)(nil)
	_ Host = LogHost{}
	_ Host = FallbackHost{}
)
