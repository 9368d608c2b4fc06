package bundle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// relayNotice is the inline comment attached to every frame except the final
// attributable one.
const relayNotice = "error raised in function call, see below"

// frameAnnotation is one frame of the cumulative failure explanation: a full
// copy of the frame's source with one line flagged by an inline comment.
type frameAnnotation struct {
	opName  string
	source  string
	line    int // 1-based within source; <1 marks the first line
	message string
}

// buildFrames assembles the outermost-to-innermost frame chain for a fault
// observed by op. Faults that are already structured failures from a nested
// wrapped call contribute their frames below a relay frame for op; terminal
// faults produce a single frame carrying the concrete error class and
// message. A frame whose source is unresolvable truncates the walk: the last
// resolvable frame keeps the terminal message instead of a relay notice.
func buildFrames(op *FuncOp, fault error, faultLine int) []frameAnnotation {
	var inner *ExecutionError
	if errors.As(fault, &inner) {
		if op.info.Source == "" {
			return inner.frames
		}
		msg := relayNotice
		if len(inner.frames) == 0 {
			// The deeper frames were unresolvable; this frame is the last
			// attributable one, so it carries the base error directly.
			msg = errorLabel(inner.base)
		}
		own := frameAnnotation{
			opName:  op.name,
			source:  op.info.Source,
			line:    faultLine,
			message: msg,
		}
		return append([]frameAnnotation{own}, inner.frames...)
	}

	if op.info.Source == "" {
		return nil
	}
	return []frameAnnotation{{
		opName:  op.name,
		source:  op.info.Source,
		line:    faultLine,
		message: errorLabel(fault),
	}}
}

// renderExplanation concatenates the per-frame commented source blocks and
// appends the base error message once at the end.
func renderExplanation(frames []frameAnnotation, base error) string {
	var sb strings.Builder
	for _, f := range frames {
		lines := strings.Split(strings.TrimRight(f.source, "\n"), "\n")
		mark := f.line
		if mark < 1 || mark > len(lines) {
			mark = 1
		}
		for i, l := range lines {
			sb.WriteString(l)
			if i+1 == mark {
				sb.WriteString("  # <-- ")
				sb.WriteString(f.message)
			}
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString(errorLabel(base))
	return sb.String()
}

// nativeFaultLine resolves a captured stack trace against the callable's own
// source span. It returns the 1-based offset of the deepest in-span frame
// within the extracted source block. Frames in a trace are deepest-first, so
// the first hit inside the span is the line that raised. Returns 0 when no
// frame lands in the span; a returned (non-panic) error leaves no stack at
// its origin, so its fault stays attributed to the signature line.
func nativeFaultLine(info *Info, trace string) int {
	if trace == "" || info.File == "" || info.Source == "" {
		return 0
	}
	span := strings.Count(strings.TrimRight(info.Source, "\n"), "\n") + 1
	prefix := info.File + ":"
	for _, raw := range strings.Split(trace, "\n") {
		loc := strings.TrimSpace(raw)
		if !strings.HasPrefix(loc, prefix) {
			continue
		}
		num := strings.TrimPrefix(loc, prefix)
		if i := strings.IndexByte(num, ' '); i >= 0 {
			num = num[:i]
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		if n >= info.Line && n < info.Line+span {
			return n - info.Line + 1
		}
	}
	return 0
}

// errorLabel renders the concrete error class and message.
func errorLabel(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T: %v", err, err)
}

// baseOf unwraps nested structured failures down to the original fault.
func baseOf(fault error) error {
	var inner *ExecutionError
	if errors.As(fault, &inner) {
		return inner.base
	}
	return fault
}
