package action

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/decisions/internal/command"
	"github.com/MrWong99/decisions/internal/phonetic"
)

// Forward returns a handler that passes the command unchanged to host.
func Forward(host Host, commandID string) Handler {
	return func(ctx context.Context, args Args) (string, error) {
		return host.Execute(ctx, commandID, args)
	}
}

// RegisterForwarders registers a Forward handler for each id.
func RegisterForwarders(b *Builder, host Host, ids ...string) *Builder {
	for _, id := range ids {
		b.Register(id, Forward(host, id))
	}
	return b
}

// Apps resolves spoken application names to the names the host can open.
type Apps struct {
	// Shortcuts maps spoken aliases ("code", "browser") to application names.
	Shortcuts map[string]string
	Matcher   *phonetic.Matcher
}

// Resolve returns the application the user most likely meant. Aliases are
// checked exactly, then phonetically against both aliases and application
// names; an unknown name is passed through unchanged.
func (a Apps) Resolve(spoken string) string {
	spoken = strings.ToLower(strings.TrimSpace(spoken))
	if app, ok := a.Shortcuts[spoken]; ok {
		return app
	}
	if a.Matcher == nil || len(a.Shortcuts) == 0 {
		return spoken
	}
	aliases := slices.Sorted(maps.Keys(a.Shortcuts))
	if alias, _, ok := a.Matcher.Resolve(spoken, aliases); ok {
		return a.Shortcuts[alias]
	}
	apps := slices.Compact(slices.Sorted(maps.Values(a.Shortcuts)))
	if app, _, ok := a.Matcher.Resolve(spoken, apps); ok {
		return app
	}
	return spoken
}

// OpenApp returns a handler resolving args["app"] through apps before
// forwarding to host as open_app.
func OpenApp(host Host, apps Apps, commandID string) Handler {
	return func(ctx context.Context, args Args) (string, error) {
		spoken := args.Get("app", "")
		if spoken == "" {
			return "", fmt.Errorf("missing application name")
		}
		resolved := apps.Resolve(spoken)
		detail, err := host.Execute(ctx, commandID, Args{"app": resolved, "spoken": spoken})
		if err != nil {
			return "", err
		}
		if resolved != spoken {
			return fmt.Sprintf("%s (heard %q)", detail, spoken), nil
		}
		return detail, nil
	}
}

// hostCommands are forwarded to the host unchanged.
var hostCommands = []string{
	command.OpenSpotlight, command.PressKey, command.Keystroke,
	command.MouseMove, command.MouseEdge, command.Click, command.Scroll,
	command.Media, command.Volume, command.Window,
}

// Defaults builds the OS action registry: every built-in host command is
// forwarded to host, and open_app resolves application aliases first.
func Defaults(host Host, apps Apps) (*Registry, error) {
	b := NewBuilder()
	RegisterForwarders(b, host, hostCommands...)
	b.Register(command.OpenApp, OpenApp(host, apps, command.OpenApp))
	return b.Build()
}
