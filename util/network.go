package util

import (
	"net"
	"strconv"
	"strings"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Destination returns the "user@host" form used by ssh and scp, or just
// host when user is empty.
func Destination(user, host string) string {
	if user == "" {
		return host
	}
	return user + "@" + host
}

// RemotePath returns the scp "user@host:path" form.
func RemotePath(user, host, path string) string {
	return Destination(user, host) + ":" + path
}

// ShellQuote wraps s in single quotes for a POSIX shell, escaping any
// embedded single quotes.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:@%+,", r)
}
