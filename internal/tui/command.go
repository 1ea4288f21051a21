package tui

import "strings"

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

var aliases = map[string]string{
	"q":    "quit",
	"exit": "quit",
	"h":    "help",
	"c":    "chat",
	"open": "chat",
}

// ParseCommand parses a command string (without the leading ':'). Aliases
// resolve to their full names.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), ":"))
	name, args, _ := strings.Cut(input, " ")
	cmd := Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}
	if full, ok := aliases[cmd.Name]; ok {
		cmd.Name = full
	}
	return cmd
}
