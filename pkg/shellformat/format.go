// Package shellformat validates and renders the shell one-liners the
// monitor hands to /bin/sh -c, using the shfmt parser
// (mvdan.cc/sh/v3/syntax) rather than hand-rolled shell parsing.
package shellformat

import (
	"bytes"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Validate parses command as a Bash one-liner purely as a diagnostic.
// A parse error here is not fatal — a command that the shfmt parser
// rejects (GNU extensions it doesn't model, say) may still be perfectly
// valid to the user's actual /bin/sh, so the caller logs the error and
// still attempts the spawn.
func Validate(command string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	_, err := parser.Parse(strings.NewReader(command), "")
	return err
}

// Oneline renders command as a single compact line suitable for the
// STARTED log entry and the harness's diagnostics: parsed and reprinted through the shfmt
// printer to normalize whitespace, or the trimmed original if it
// doesn't parse.
func Oneline(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return command
	}

	printer := syntax.NewPrinter(syntax.SpaceRedirects(true), syntax.Minify(true))
	var buf bytes.Buffer
	if err := printer.Print(&buf, prog); err != nil {
		return command
	}
	return strings.TrimRight(buf.String(), "\n")
}
