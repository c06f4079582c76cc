package command

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Decode error policies.
const (
	DecodeStrict  = "strict"  // invalid input is an error
	DecodeReplace = "replace" // invalid input becomes U+FFFD
	DecodeIgnore  = "ignore"  // invalid input is dropped
)

const replacement = "\uFFFD"

// Decoder turns raw command output into text.
type Decoder struct {
	name   string
	enc    encoding.Encoding
	policy string

	// rep is the codec's encoding of U+FFFD, nil when the codec cannot
	// represent it.  unit is the code unit size rep may start on.
	rep  []byte
	unit int
}

// NewDecoder looks codec up by its WHATWG label ("utf-8", "latin1",
// "shift_jis", ...).
func NewDecoder(codec, policy string) (*Decoder, error) {
	if codec == "" {
		codec = "utf-8"
	}
	if policy == "" {
		policy = DecodeStrict
	}
	switch policy {
	case DecodeStrict, DecodeReplace, DecodeIgnore:
	default:
		return nil, fmt.Errorf("unknown decode error policy %q", policy)
	}
	enc, err := htmlindex.Get(codec)
	if err != nil {
		return nil, fmt.Errorf("codec %q: %w", codec, err)
	}
	name, _ := htmlindex.Name(enc)

	d := &Decoder{name: name, enc: enc, policy: policy, unit: 1}
	if name == "utf-16le" || name == "utf-16be" {
		d.unit = 2
	}
	if rep, err := enc.NewEncoder().Bytes([]byte(replacement)); err == nil && len(rep) > 0 {
		d.rep = rep
	}
	return d, nil
}

// Name returns the canonical codec name.
func (d *Decoder) Name() string { return d.name }

// Decode converts b according to the codec and error policy.  A U+FFFD
// genuinely present in the input is kept under every policy.
func (d *Decoder) Decode(b []byte) (string, error) {
	if d.name == "utf-8" {
		return d.decodeUTF8(b)
	}

	var sb strings.Builder
	for i, seg := range d.split(b) {
		if i > 0 {
			sb.WriteString(replacement)
		}
		out, err := d.enc.NewDecoder().Bytes(seg)
		if err != nil {
			return "", fmt.Errorf("decode output as %s: %w", d.name, err)
		}
		// Segments hold no encoded U+FFFD, so any in out marks bad input.
		if bytes.Contains(out, []byte(replacement)) {
			switch d.policy {
			case DecodeStrict:
				return "", d.invalid()
			case DecodeIgnore:
				out = bytes.ReplaceAll(out, []byte(replacement), nil)
			}
		}
		sb.Write(out)
	}
	return sb.String(), nil
}

// decodeUTF8 walks b rune by rune; only one-byte RuneError results are
// invalid input.
func (d *Decoder) decodeUTF8(b []byte) (string, error) {
	if utf8.Valid(b) {
		return string(b), nil
	}
	if d.policy == DecodeStrict {
		return "", d.invalid()
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		switch {
		case r != utf8.RuneError || size > 1:
			sb.Write(b[:size])
		case d.policy == DecodeReplace:
			sb.WriteString(replacement)
		}
		b = b[size:]
	}
	return sb.String(), nil
}

// split cuts b at every aligned occurrence of the codec's encoded
// U+FFFD, dropping the separators.
func (d *Decoder) split(b []byte) [][]byte {
	if d.rep == nil {
		return [][]byte{b}
	}
	var segs [][]byte
	start, from := 0, 0
	for {
		i := bytes.Index(b[from:], d.rep)
		if i < 0 {
			break
		}
		at := from + i
		if at%d.unit != 0 {
			from = at + 1
			continue
		}
		segs = append(segs, b[start:at])
		start = at + len(d.rep)
		from = start
	}
	return append(segs, b[start:])
}

func (d *Decoder) invalid() error {
	return fmt.Errorf("decode output as %s: invalid byte sequence", d.name)
}
