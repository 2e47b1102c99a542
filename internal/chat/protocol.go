package chat

import "strings"

type CommandTag int

const (
	CmdUnknown CommandTag = iota
	CmdLogin
	CmdMsg
	CmdWho
	CmdDM
)

// Command is the parsed form of one inbound line. Raw keeps the original
// line for diagnostics; Args carry the payload tokens per command.
type Command struct {
	Tag  CommandTag
	Args []string
	Raw  string
}

// ParseLine classifies one line (newline already stripped) into a Command.
// Validation of usernames and message bodies happens later; the parser only
// splits. A bare token other than WHO, or a DM without a message body
// separator, is CmdUnknown.
func ParseLine(line string) Command {
	raw := line
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Tag: CmdUnknown, Raw: raw}
	}

	i := strings.IndexByte(line, ' ')
	if i < 0 {
		if strings.EqualFold(line, "WHO") {
			return Command{Tag: CmdWho, Raw: raw}
		}
		return Command{Tag: CmdUnknown, Raw: raw}
	}

	rest := strings.TrimSpace(line[i+1:])
	switch strings.ToUpper(line[:i]) {
	case "LOGIN":
		return Command{Tag: CmdLogin, Args: []string{rest}, Raw: raw}
	case "MSG":
		return Command{Tag: CmdMsg, Args: []string{rest}, Raw: raw}
	case "DM":
		j := strings.IndexByte(rest, ' ')
		if j < 0 {
			return Command{Tag: CmdUnknown, Raw: raw}
		}
		return Command{Tag: CmdDM, Args: []string{rest[:j], strings.TrimSpace(rest[j+1:])}, Raw: raw}
	}
	return Command{Tag: CmdUnknown, Raw: raw}
}

// IsValidUsername reports whether s is 1..max characters of ASCII
// alphanumerics, underscore or hyphen.
func IsValidUsername(s string, max int) bool {
	if s == "" || len(s) > max {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// IsValidMessage reports whether s is non-blank and at most max bytes.
// Length is measured before sanitization.
func IsValidMessage(s string, max int) bool {
	return strings.TrimSpace(s) != "" && len(s) <= max
}

// SanitizeMessage strips ASCII control characters while keeping tab,
// newline and carriage return.
func SanitizeMessage(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
