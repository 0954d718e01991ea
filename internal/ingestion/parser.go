package ingestion

import (
	"fmt"
	"strings"

	"FundLedger/internal/command"
)

// ParseSubject extracts the command type from fund.commands.<Type>.
func ParseSubject(subject string) (command.Type, error) {
	prefix := CommandSubject + "."
	if !strings.HasPrefix(subject, prefix) {
		return "", fmt.Errorf("subject %q is not under %s: %w", subject, CommandSubject, command.ErrUnknownType)
	}
	name := strings.TrimPrefix(subject, prefix)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return command.ParseType(name)
}

// ParseRawCommand decodes a message body into the command its subject names.
// The JSON body carries the header fields (id, caller, timestamp) next to the
// command's own fields.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	t, err := ParseSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	cmd, err := command.Decode(t, raw.Data)
	if err != nil {
		return nil, err
	}
	if err := command.Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}
