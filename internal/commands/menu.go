package commands

import (
	"strings"

	kit "midibot/internal/transport"
)

const (
	menuNameLimit = 32
	menuDescLimit = 256
	menuLimit     = 100
)

// sanitizeMenuCommand converts a command name into a Telegram-safe bot
// command: [a-z0-9_]{1,32}, starting with a letter.
func sanitizeMenuCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == ' ' || r == '/':
			if b.Len() > 0 && !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > menuNameLimit {
		out = strings.TrimRight(out[:menuNameLimit], "_")
	}
	return out
}

// buildMenu lists public commands first, then owner-only ones.
func buildMenu(list []Command) []kit.BotCommand {
	var public, owner []kit.BotCommand
	seen := map[string]bool{}
	for _, c := range list {
		name := sanitizeMenuCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > menuDescLimit {
			desc = desc[:menuDescLimit]
		}
		if c.Access == AccessOwnerOnly {
			owner = append(owner, kit.BotCommand{Command: name, Description: "(owner) " + desc})
			continue
		}
		public = append(public, kit.BotCommand{Command: name, Description: desc})
	}
	out := append(public, owner...)
	if len(out) > menuLimit {
		out = out[:menuLimit]
	}
	return out
}
