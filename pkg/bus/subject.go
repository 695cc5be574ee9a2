package bus

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// Subject prefixes. DLQ subjects nest the original subject after the
// failed prefix so operators can trace a dead letter back to its stream.
const (
	EventPrefix   = "evt"
	CommandPrefix = "cmd"
	FailedPrefix  = "failed"
)

// EventSubject builds `evt.<tenant>.<workspace>.<domain>.<name>` from an
// envelope. A leading evt. or cmd. on the type is stripped before the
// scope is prefixed, so adapter-chosen types never double up.
func EventSubject(env *envelope.Envelope) string {
	return scopedSubject(EventPrefix, env)
}

// CommandSubject builds `cmd.<tenant>.<workspace>.<target>.<verb>`.
func CommandSubject(env *envelope.Envelope) string {
	return scopedSubject(CommandPrefix, env)
}

// FailedSubject tags a dead letter with its originating subject.
func FailedSubject(subject string) string {
	return FailedPrefix + "." + subject
}

// CommandFilter is the pull-consumer filter for one agent's work queue:
// `cmd.<tenant>.<workspace>.<agent>.>`.
func CommandFilter(tenant, workspace, agent string) string {
	return strings.Join([]string{
		CommandPrefix,
		SanitizeToken(tenant),
		SanitizeToken(workspace),
		SanitizeToken(agent),
		">",
	}, ".")
}

func scopedSubject(prefix string, env *envelope.Envelope) string {
	parts := []string{prefix, SanitizeToken(env.Tenant), SanitizeToken(env.Workspace)}
	for _, token := range strings.Split(TypeSuffix(env.Type), ".") {
		parts = append(parts, SanitizeToken(token))
	}
	return strings.Join(parts, ".")
}

// TypeSuffix strips a single leading `evt.` or `cmd.` from an envelope type.
func TypeSuffix(typ string) string {
	if rest, ok := strings.CutPrefix(typ, EventPrefix+"."); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(typ, CommandPrefix+"."); ok {
		return rest
	}
	return typ
}

// SanitizeToken makes a string safe as a single subject token. Input is
// NFC-normalized, then every rune outside [a-zA-Z0-9_-] becomes '_'.
// The result is never empty: wildcards and dots cannot leak in from
// tenant names or adapter-chosen types.
func SanitizeToken(s string) string {
	s = norm.NFC.String(s)
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
