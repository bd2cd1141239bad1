package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// maxLineFields is the tokenization limit for a command line. The third
// token absorbs the remainder so free-text payloads (ERROR messages) and
// multi-word arguments survive intact.
const maxLineFields = 3

// EncodeLine renders a command as its newline-terminated line
// representation. Bus-only variants (UserSync, FederationAck,
// RemovePushers) have no line form and return ErrInvalidFormat; send those
// through Marshal instead.
func EncodeLine(c Command) ([]byte, error) {
	var line string

	switch v := c.(type) {
	case Ping:
		line = fmt.Sprintf("PING %d", v.Timestamp)
	case Pong:
		line = fmt.Sprintf("PONG %d %s", v.Timestamp, v.ServerName)
	case Name:
		line = fmt.Sprintf("NAME %s", v.Name)
	case Replicate:
		line = fmt.Sprintf("REPLICATE %s %s", v.StreamName, v.Token)
	case Rdata:
		line = fmt.Sprintf("RDATA %s %s", v.StreamName, v.Token)
	case Position:
		line = fmt.Sprintf("POSITION %s %d", v.StreamName, v.Position)
	case Error:
		line = fmt.Sprintf("ERROR %s", v.Message)
	case Sync:
		line = fmt.Sprintf("SYNC %s %d", v.StreamName, v.Position)
	default:
		return nil, fmt.Errorf("%w: %s has no line representation", ErrInvalidFormat, c.Verb())
	}

	return []byte(line + "\n"), nil
}

// DecodeLine strips the line terminator and parses the remainder. It is the
// inverse of EncodeLine for every line-representable variant.
func DecodeLine(data []byte) (Command, error) {
	line := strings.TrimRight(string(data), "\r\n")

	return ParseLine(line)
}

// ParseLine parses a single line (without terminator) into a Command.
// Unknown verbs, missing arguments, and malformed numbers are rejected with
// the corresponding taxonomy error, never silently defaulted.
func ParseLine(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrInvalidFormat)
	}

	parts := strings.SplitN(line, " ", maxLineFields)

	switch parts[0] {
	case "PING":
		ts, err := int64Field(parts, 1, "timestamp")
		if err != nil {
			return nil, err
		}
		return Ping{Timestamp: ts}, nil

	case "PONG":
		ts, err := int64Field(parts, 1, "timestamp")
		if err != nil {
			return nil, err
		}
		name, err := stringField(parts, 2, "server_name")
		if err != nil {
			return nil, err
		}
		return Pong{Timestamp: ts, ServerName: name}, nil

	case "NAME":
		// The name is everything after the verb, so names containing
		// spaces round-trip instead of being truncated at the first token.
		if _, err := stringField(parts, 1, "name"); err != nil {
			return nil, err
		}
		return Name{Name: strings.Join(parts[1:], " ")}, nil

	case "REPLICATE":
		stream, err := stringField(parts, 1, "stream_name")
		if err != nil {
			return nil, err
		}
		token, err := stringField(parts, 2, "token")
		if err != nil {
			return nil, err
		}
		return Replicate{StreamName: stream, Token: token}, nil

	case "RDATA":
		stream, err := stringField(parts, 1, "stream_name")
		if err != nil {
			return nil, err
		}
		token, err := stringField(parts, 2, "token")
		if err != nil {
			return nil, err
		}
		return Rdata{StreamName: stream, Token: token}, nil

	case "POSITION":
		stream, err := stringField(parts, 1, "stream_name")
		if err != nil {
			return nil, err
		}
		pos, err := int64Field(parts, 2, "position")
		if err != nil {
			return nil, err
		}
		return Position{StreamName: stream, Position: pos}, nil

	case "ERROR":
		// The message is everything after the verb; an ERROR with no text
		// still parses.
		if len(parts) < 2 {
			return Error{Message: "unknown error"}, nil
		}
		return Error{Message: strings.Join(parts[1:], " ")}, nil

	case "SYNC":
		stream, err := stringField(parts, 1, "stream_name")
		if err != nil {
			return nil, err
		}
		pos, err := int64Field(parts, 2, "position")
		if err != nil {
			return nil, err
		}
		return Sync{StreamName: stream, Position: pos}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, parts[0])
	}
}

func stringField(parts []string, idx int, name string) (string, error) {
	if idx >= len(parts) || parts[idx] == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingField, name)
	}

	return parts[idx], nil
}

func int64Field(parts []string, idx int, name string) (int64, error) {
	s, err := stringField(parts, idx, name)
	if err != nil {
		return 0, err
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrBadNumber, name, s)
	}

	return n, nil
}
