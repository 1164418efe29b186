package console

import "strings"

// Command represents a parsed console line.
type Command struct {
	Name string
	Args string
}

// ParseCommand splits a line into a lower-cased command name and the rest.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// Fields returns the whitespace-separated arguments.
func (c Command) Fields() []string {
	return strings.Fields(c.Args)
}

// Parts splits the arguments on '|' and trims each part.
func (c Command) Parts() []string {
	if c.Args == "" {
		return nil
	}
	parts := strings.Split(c.Args, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
