// Package commands parses the @-directives agents type into a chat to drive a session.
package commands

import (
	"regexp"
	"strconv"
	"strings"
)

// Type is the kind of session directive.
type Type string

const (
	Close     Type = "close"
	Pause     Type = "pause"
	Reopen    Type = "reopen"
	Blacklist Type = "blacklist"
	Whitelist Type = "whitelist"
	Transfer  Type = "transfer"
	Status    Type = "status"
)

const (
	DefaultPauseHours = 24
	MinPauseHours     = 1
	MaxPauseHours     = 168
)

// ParsedCommand is a recognized directive and its arguments.
type ParsedCommand struct {
	Type      Type   `json:"type"`
	Hours     int    `json:"hours,omitempty"`
	Target    string `json:"target,omitempty"`
	Raw       string `json:"raw"`
	Remaining string `json:"remaining,omitempty"`
}

var tokens = map[string]Type{
	"fechar":     Close,
	"close":      Close,
	"pausar":     Pause,
	"pause":      Pause,
	"reabrir":    Reopen,
	"reopen":     Reopen,
	"blacklist":  Blacklist,
	"whitelist":  Whitelist,
	"transferir": Transfer,
	"transfer":   Transfer,
	"status":     Status,
}

// the token ends at the first non-word character, so "@fechar." is still a directive
var commandRe = regexp.MustCompile(`(?is)^@([a-z]+)\b(.*)$`)

// Parse returns the directive text starts with, or nil for plain text and unknown tokens.
func Parse(text string) *ParsedCommand {
	m := commandRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return nil
	}
	typ, ok := tokens[strings.ToLower(m[1])]
	if !ok {
		return nil
	}

	cmd := &ParsedCommand{Type: typ, Raw: "@" + strings.ToLower(m[1])}
	rest := strings.TrimSpace(m[2])

	switch typ {
	case Pause:
		cmd.Hours = DefaultPauseHours
		if arg, tail := firstField(rest); arg != "" {
			n, err := strconv.Atoi(arg)
			if err == nil {
				rest = tail
				if n > 0 {
					cmd.Hours = clamp(n, MinPauseHours, MaxPauseHours)
				}
			}
		}
	case Transfer:
		cmd.Target, rest = firstField(rest)
	}
	cmd.Remaining = rest
	return cmd
}

// HasCommand reports whether text starts with a recognized directive.
func HasCommand(text string) bool {
	return Parse(text) != nil
}

// Available lists the directives with a short usage line each.
func Available() []string {
	return []string{
		"@fechar - closes the session",
		"@pausar [hours] - pauses automation (default 24h, 1-168)",
		"@reabrir - reopens the session",
		"@blacklist - stops bots for this contact",
		"@whitelist - re-enables bots for this contact",
		"@transferir <agent> - assigns the session",
		"@status - shows the session state",
	}
}

func firstField(s string) (string, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' })
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
