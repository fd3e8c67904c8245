package commands

import (
	"strings"
)

// helpText renders plain-text help. Owner-only commands are listed only to
// owners.
func (m *Manager) helpText(args []string, owner bool) string {
	m.mu.RLock()
	list := m.list
	byName := m.commands
	m.mu.RUnlock()

	if len(args) > 0 {
		c, ok := byName[strings.ToLower(strings.TrimPrefix(args[0], "/"))]
		if !ok {
			return "Unknown command. Type /help for the list."
		}
		return commandHelp(*c)
	}

	var b strings.Builder
	b.WriteString("Commands (type /help <command> for details):\n")
	var ownerOnly []Command
	for _, c := range list {
		if c.Access == AccessOwnerOnly {
			ownerOnly = append(ownerOnly, c)
			continue
		}
		writeRow(&b, c)
	}
	if owner && len(ownerOnly) > 0 {
		b.WriteString("\nOwner:\n")
		for _, c := range ownerOnly {
			writeRow(&b, c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeRow(b *strings.Builder, c Command) {
	b.WriteString("/" + c.Name)
	if d := strings.TrimSpace(c.Description); d != "" {
		b.WriteString(" - " + d)
	}
	b.WriteByte('\n')
}

func commandHelp(c Command) string {
	lines := []string{"/" + c.Name}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, d)
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "(owner only)")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "Usage: "+u)
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "Aliases: /"+strings.Join(c.Aliases, ", /"))
	}
	return strings.Join(lines, "\n")
}
