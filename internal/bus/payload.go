package bus

import (
	"fmt"
	"strings"
)

// Command is the text-framed control payload: a command name followed by
// space-separated arguments. Topic paths never contain spaces so no quoting
// is required.
type Command struct {
	Name string
	Args []string
}

func (c Command) Encode() []byte {
	if len(c.Args) == 0 {
		return []byte(c.Name)
	}
	return []byte(c.Name + " " + strings.Join(c.Args, " "))
}

func (c Command) String() string {
	return string(c.Encode())
}

// ParseCommand decodes a control payload. An empty payload is an error;
// unknown command names are the caller's concern.
func ParseCommand(payload []byte) (Command, error) {
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("bus: empty command payload")
	}
	return Command{Name: fields[0], Args: fields[1:]}, nil
}

// Arg returns the i-th argument or "" when absent.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}
