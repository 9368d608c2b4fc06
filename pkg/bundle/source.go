package bundle

import (
	"os"
	"reflect"
	"runtime"
	"strings"
)

// funcMeta is the best-effort identity of a native callable: its qualified
// name, defining file and line, and extracted source text. Source extraction
// can fail (stripped binaries, generated code); callers treat an empty
// source as "frame not resolvable" and the failure annotator truncates its
// walk accordingly.
type funcMeta struct {
	qualName string
	file     string
	line     int
	source   string
}

func describeFunc(fn reflect.Value) funcMeta {
	meta := funcMeta{}
	rf := runtime.FuncForPC(fn.Pointer())
	if rf == nil {
		return meta
	}
	meta.qualName = rf.Name()
	meta.file, meta.line = rf.FileLine(fn.Pointer())
	meta.source = extractFuncSource(meta.file, meta.line)
	return meta
}

// baseFuncName strips the package path and closure suffixes from a runtime
// qualified name: "pkg/sub.Outer.func1" -> "Outer".
func baseFuncName(qualName string) string {
	if qualName == "" {
		return ""
	}
	name := qualName
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	// Drop anonymous-function suffixes like ".func1.2".
	if i := strings.Index(name, ".func"); i >= 0 {
		name = name[:i]
	}
	return name
}

// extractFuncSource reads the defining file and returns the function block
// starting at line, ending where its braces balance. Returns "" when the
// file cannot be read or no block is found.
func extractFuncSource(file string, line int) string {
	if file == "" || line < 1 {
		return ""
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if line > len(lines) {
		return ""
	}

	depth := 0
	opened := false
	var block []string
	for i := line - 1; i < len(lines); i++ {
		l := lines[i]
		block = append(block, l)
		for _, r := range l {
			switch r {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return strings.Join(block, "\n")
		}
	}
	return ""
}
