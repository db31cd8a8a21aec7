package meander

import (
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// defaultMaxOutputBytes caps agent output accepted into execution state.
const defaultMaxOutputBytes = 1 << 20 // 1 MiB

// OutputValidator rejects agent output that could corrupt state or smuggle
// instructions into later prompts: raw control characters, bidirectional
// and zero-width Unicode, and oversized payloads.
//
// The Unicode rule set (bidi overrides U+202A–U+202E, isolates
// U+2066–U+2069, zero-widths U+200B–U+200D, BOM U+FEFF) is a wire-level
// contract; downstream prompt injection hardening depends on it.
type OutputValidator struct {
	maxBytes int
}

// ValidatorOption configures an OutputValidator.
type ValidatorOption func(*OutputValidator)

// MaxOutputBytes sets the output size cap in bytes (default: 1 MiB).
func MaxOutputBytes(n int) ValidatorOption {
	return func(v *OutputValidator) { v.maxBytes = n }
}

// NewOutputValidator creates a validator with the default rule set.
func NewOutputValidator(opts ...ValidatorOption) *OutputValidator {
	v := &OutputValidator{maxBytes: defaultMaxOutputBytes}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns nil when output is safe, or an *ErrOutput naming the
// violated rule. The scan runs twice: once on the raw text and once after
// NFKC normalization, so forbidden characters hidden behind compatibility
// compositions are still caught.
func (v *OutputValidator) Validate(output string) error {
	if len(output) > v.maxBytes {
		return &ErrOutput{
			Rule:   "size",
			Detail: fmt.Sprintf("%d bytes exceeds cap of %d", len(output), v.maxBytes),
		}
	}
	if err := scanRunes(output, ""); err != nil {
		return err
	}
	if normalized := norm.NFKC.String(output); normalized != output {
		if err := scanRunes(normalized, " after NFKC normalization"); err != nil {
			return err
		}
	}
	return nil
}

func scanRunes(s, suffix string) error {
	for i, r := range s {
		rule, bad := forbiddenRune(r)
		if bad {
			return &ErrOutput{
				Rule:   rule,
				Detail: fmt.Sprintf("U+%04X at byte %d%s", r, i, suffix),
			}
		}
	}
	return nil
}

// forbiddenRune classifies runes the validator rejects. Tab, newline, and
// carriage return are ordinary text; every other C0/C1 control is not.
func forbiddenRune(r rune) (string, bool) {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return "", false
	case r < 0x20 || r == 0x7f:
		return "control-char", true
	case r >= 0x80 && r <= 0x9f:
		return "control-char", true
	case r >= 0x202a && r <= 0x202e: // bidi overrides
		return "unicode", true
	case r >= 0x2066 && r <= 0x2069: // bidi isolates
		return "unicode", true
	case r >= 0x200b && r <= 0x200d: // zero-width space/joiners
		return "unicode", true
	case r == 0xfeff: // BOM
		return "unicode", true
	}
	return "", false
}
