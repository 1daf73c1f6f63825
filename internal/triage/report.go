package triage

import (
	"regexp"
	"strconv"
	"strings"
)

// Frame is one resolved call-stack entry from a sanitizer report.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Report is a parsed sanitizer crash report.
type Report struct {
	// Kind is the sanitizer failure class ("heap-buffer-overflow",
	// "signed integer overflow", ...).
	Kind string

	// Site is the primary fault location: the innermost frame that resolves
	// into project source, or the UBSan-reported location.
	Site Frame

	// Frames is the resolved call stack, innermost first, bounded depth.
	Frames []Frame

	// Raw is the full captured output.
	Raw []byte
}

var (
	asanHeaderRe = regexp.MustCompile(`ERROR: AddressSanitizer: ([A-Za-z0-9_-]+)`)
	ubsanLineRe  = regexp.MustCompile(`(?m)^([^\s:]+):(\d+)(?::\d+)?: runtime error: (.+)$`)
	frameRe      = regexp.MustCompile(`#\d+ 0x[0-9a-f]+ in (\S+) ([^\s:]+):(\d+)`)
)

const maxReportFrames = 16

// ParseReport extracts a structured report from sanitizer output. ok=false
// means the output carries no recognizable sanitizer report.
func ParseReport(output []byte) (*Report, bool) {
	text := string(output)

	rep := &Report{Raw: output}

	if m := asanHeaderRe.FindStringSubmatch(text); m != nil {
		rep.Kind = m[1]
	} else if m := ubsanLineRe.FindStringSubmatch(text); m != nil {
		line, _ := strconv.Atoi(m[2])
		rep.Kind = normalizeKind(m[3])
		rep.Site = Frame{File: m[1], Line: line}
	} else {
		return nil, false
	}

	for _, m := range frameRe.FindAllStringSubmatch(text, maxReportFrames) {
		line, _ := strconv.Atoi(m[3])
		f := Frame{Function: m[1], File: m[2], Line: line}
		if isRuntimeFrame(f) {
			continue
		}
		rep.Frames = append(rep.Frames, f)
	}

	if rep.Site.File == "" && len(rep.Frames) > 0 {
		rep.Site = rep.Frames[0]
	}
	if rep.Site.File == "" {
		return nil, false
	}
	return rep, true
}

// normalizeKind collapses a UBSan message down to its failure class by
// stripping the value-specific tail ("signed integer overflow: 2147483647 +
// 1 ..." becomes "signed integer overflow").
func normalizeKind(msg string) string {
	msg = strings.TrimSpace(msg)
	if idx := strings.IndexByte(msg, ':'); idx > 0 {
		msg = msg[:idx]
	}
	return strings.TrimSpace(msg)
}

// isRuntimeFrame filters interceptor and libc frames that say nothing about
// the target.
func isRuntimeFrame(f Frame) bool {
	fn := strings.TrimSpace(f.Function)
	if strings.HasPrefix(fn, "__") || strings.HasPrefix(fn, "_start") {
		return true
	}
	file := strings.TrimSpace(f.File)
	if strings.Contains(file, "sanitizer") || strings.Contains(file, "libc") {
		return true
	}
	return false
}
