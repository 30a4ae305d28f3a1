package logging

import "github.com/cockroachdb/redact"

// RedactKey and RedactValue mark user-supplied key/value bytes as sensitive
// before they reach a log line. Neither argument is wrapped in redact.Safe,
// so redact's default rule applies: the bytes render inside redaction
// markers (‹...›) rather than in the clear.
//
// Call sites around corruption paths (bad checksums, malformed records,
// decode failures) should use these instead of formatting []byte directly,
// since those are exactly the paths most likely to end up in an operator's
// terminal or a bug report.
func RedactKey(key []byte) redact.RedactableString {
	return redact.Sprint(redact.SafeString("key="), key)
}

func RedactValue(value []byte) redact.RedactableString {
	return redact.Sprint(redact.SafeString("value="), value)
}

// Redactf formats like fmt.Sprintf and replaces anything not wrapped in
// redact.Safe — in particular RedactKey/RedactValue output — with a
// redaction placeholder before returning a plain string. Use it at the
// Logger.Warnf/Errorf call sites around corruption paths so the formatted
// message never carries raw user key/value bytes, even though the Logger
// interface itself only deals in plain strings.
func Redactf(format string, args ...any) string {
	return redact.Sprintf(format, args...).Redact().StripMarkers()
}
