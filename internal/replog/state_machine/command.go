package state_machine

import (
	"errors"
	"fmt"
	"strings"
)

type Op string

const (
	OpSet Op = "SET"
	OpDel Op = "DEL"
)

// Command is a single mutation of the key/value store. Its textual form is "SET key=value" or "DEL key".
type Command struct {
	Op    Op
	Key   string
	Value string
}

func Set(key, value string) Command {
	return Command{Op: OpSet, Key: key, Value: value}
}

func Del(key string) Command {
	return Command{Op: OpDel, Key: key}
}

func (c Command) String() string {
	if c.Op == OpSet {
		return fmt.Sprintf("%s %s=%s", c.Op, c.Key, c.Value)
	}
	return fmt.Sprintf("%s %s", c.Op, c.Key)
}

// ParseCommand parses the textual form of a command. The value of a SET may contain spaces and '='.
func ParseCommand(s string) (Command, error) {
	op, rest, _ := strings.Cut(strings.TrimSpace(s), " ")
	rest = strings.TrimSpace(rest)

	switch Op(strings.ToUpper(op)) {
	case OpSet:
		key, value, ok := strings.Cut(rest, "=")
		if !ok || key == "" {
			return Command{}, fmt.Errorf("malformed SET command %q, expected SET key=value", s)
		}
		return Set(key, value), nil
	case OpDel:
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return Command{}, fmt.Errorf("malformed DEL command %q, expected DEL key", s)
		}
		return Del(rest), nil
	default:
		return Command{}, fmt.Errorf("unknown command %q", s)
	}
}

// CommandSerializer stores commands in their textual form.
type CommandSerializer struct{}

func (CommandSerializer) Serialize(c Command) ([]byte, error) {
	if c.Key == "" {
		return nil, errors.New("command without key")
	}
	return []byte(c.String()), nil
}

func (CommandSerializer) Deserialize(b []byte) (Command, error) {
	return ParseCommand(string(b))
}
