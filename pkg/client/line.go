package client

import (
	"errors"
	"strings"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

var (
	// ErrEmptyLine is returned for blank input; nothing is sent
	ErrEmptyLine = errors.New("empty line")
	// ErrWhisperUsage is returned for "/w" without both a name and text
	ErrWhisperUsage = errors.New("usage: /w <name> <text>")
)

const (
	whisperPrefix  = "/w "
	usersCommand   = "/users"
	historyCommand = "/history"
)

// ParseLine turns a typed line into the intent to send on behalf of from.
// "/w <name> <text>" is a private message, "/users" and "/history" are
// commands, and anything else (including other slash words) is broadcast.
func ParseLine(from, line string) (protocol.ClientIntent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyLine
	}

	switch {
	case line == strings.TrimSpace(whisperPrefix):
		return nil, ErrWhisperUsage

	case strings.HasPrefix(line, whisperPrefix):
		to, content, ok := strings.Cut(strings.TrimLeft(line[len(whisperPrefix):], " "), " ")
		if !ok || to == "" || strings.TrimSpace(content) == "" {
			return nil, ErrWhisperUsage
		}
		return protocol.Private{From: from, To: to, Content: content}, nil

	case line == usersCommand, line == historyCommand:
		return protocol.Command{From: from, Command: line}, nil

	default:
		return protocol.Broadcast{From: from, Content: line}, nil
	}
}

// AddressedTo reports whether reply should be shown to name. Replies that
// carry a recipient are only for that recipient.
func AddressedTo(reply protocol.ServerReply, name string) bool {
	to := reply.Recipient()
	return to == "" || to == name
}
