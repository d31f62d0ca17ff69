package term

import (
	"fmt"
	"strings"
)

// segment is one piece of a parsed template: literal text or a reference.
type segment struct {
	text string
	ref  bool
}

// parseTemplate splits a template into literal and reference segments.
// "{path}" is a reference; "\{" and "\}" are literal braces.
func parseTemplate(tmpl string) ([]segment, error) {
	var (
		segs  []segment
		buf   strings.Builder
		inRef bool
	)

	flush := func(ref bool) {
		if buf.Len() > 0 || ref {
			segs = append(segs, segment{text: buf.String(), ref: ref})
		}
		buf.Reset()
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '\\' && i+1 < len(tmpl) && (tmpl[i+1] == '{' || tmpl[i+1] == '}' || tmpl[i+1] == '\\'):
			buf.WriteByte(tmpl[i+1])
			i++
		case c == '{':
			if inRef {
				return nil, fmt.Errorf("%w: nested '{' at offset %d", ErrTemplateSyntax, i)
			}
			flush(false)
			inRef = true
		case c == '}':
			if !inRef {
				return nil, fmt.Errorf("%w: unmatched '}' at offset %d", ErrTemplateSyntax, i)
			}
			if buf.Len() == 0 {
				return nil, fmt.Errorf("%w: empty reference at offset %d", ErrTemplateSyntax, i)
			}
			flush(true)
			inRef = false
		default:
			buf.WriteByte(c)
		}
	}

	if inRef {
		return nil, fmt.Errorf("%w: unterminated reference", ErrTemplateSyntax)
	}
	flush(false)
	return segs, nil
}

// References returns the reference paths embedded in a template.
func References(tmpl string) ([]string, error) {
	segs, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, s := range segs {
		if s.ref {
			refs = append(refs, s.text)
		}
	}
	return refs, nil
}
