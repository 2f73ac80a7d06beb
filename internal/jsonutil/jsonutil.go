// Package jsonutil renders values as colored JSON for terminal output.
package jsonutil

import (
	"bytes"
	"strings"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

var (
	compact = newFormatter(0, "")
	pretty  = newFormatter(2, "\n")
)

func newFormatter(indent int, newline string) *prettyjson.Formatter {
	f := prettyjson.NewFormatter()
	f.Indent = indent
	f.Newline = newline
	return f
}

// SetColor enables or disables color codes in output.
func SetColor(enabled bool) {
	compact.DisabledColor = !enabled
	pretty.DisabledColor = !enabled
}

// MarshalCompactPretty formats the fields of a struct one per line in "name: value" form.
// Values are formatted as compact JSON. Fields are written in declaration order and
// named after their json tag if present. Fields tagged with "-" are skipped.
func MarshalCompactPretty(v any) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range structs.Fields(v) {
		if !f.IsExported() {
			continue
		}
		name := f.Name()
		if tag := strings.Split(f.Tag("json"), ",")[0]; tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		b, err := compact.Marshal(f.Value())
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteRune('\n')
	}
	return buf.Bytes(), nil
}

// MarshalPretty formats v as indented JSON.
func MarshalPretty(v any) ([]byte, error) {
	return pretty.Marshal(v)
}
