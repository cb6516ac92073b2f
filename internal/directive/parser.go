package directive

import (
	"regexp"
	"strings"
)

// VocabularyVersion identifies the reserved tag set understood by this parser.
const VocabularyVersion = 1

const (
	Search            = "SEARCH"
	FAQ               = "FAQ"
	ImportantInfo     = "IMPORTANT_INFO"
	ExecutedFunctions = "FUNCIONES_EJECUTADAS"
	LegacyFunctions   = "FUNCTIONS"
)

var reserved = map[string]struct{}{
	Search:            {},
	FAQ:               {},
	ImportantInfo:     {},
	ExecutedFunctions: {},
	LegacyFunctions:   {},
}

const tagName = `[A-Z_][A-Z0-9_]*`

var (
	tagPattern = regexp.MustCompile(`\[(` + tagName + `)(?::([^\]\n]+))?\]`)

	reservedPattern  = regexp.MustCompile(`(?i)\[\s*(?:SEARCH|FAQ|IMPORTANT_INFO|FUNCIONES_EJECUTADAS|FUNCTIONS)\s*(?::[^\[\]\n]*)?\]`)
	innerTagPattern  = regexp.MustCompile(`\[` + tagName + `:[^\[\]\n]*\]`)
	genericPattern   = regexp.MustCompile(`\[` + tagName + `(?::[^\]\n]*)?\]`)
	answerMarker     = regexp.MustCompile(`^\s*(?i)respuesta:\s*`)
	repeatedBlanks   = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforePunct = regexp.MustCompile(`[ \t]+([,.;:!?])`)
)

const (
	importantInfoOpen = "[" + ImportantInfo + ":"
	executedOpen      = "[" + ExecutedFunctions + ":"
)

// Invocation is one tag found in model output.
type Invocation struct {
	Name    string
	Payload string
	Params  []string
}

// Envelope is the decoded form of an assistant message's importantInfo.
type Envelope struct {
	Summary string
	Traces  string
}

func IsReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// Parse returns every tag in order of appearance.
func Parse(text string) []Invocation {
	matches := tagPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	invocations := make([]Invocation, 0, len(matches))
	for _, m := range matches {
		invocations = append(invocations, Invocation{
			Name:    m[1],
			Payload: strings.TrimSpace(m[2]),
			Params:  SplitParams(m[2]),
		})
	}
	return invocations
}

// FindDirective returns the trimmed payload of the first [name:payload] tag.
func FindDirective(text, name string) (string, bool) {
	for _, inv := range Parse(text) {
		if inv.Name == name && inv.Payload != "" {
			return inv.Payload, true
		}
	}
	return "", false
}

// FindFirstCustom returns the first tag whose name is not reserved.
func FindFirstCustom(text string) (Invocation, bool) {
	for _, inv := range Parse(text) {
		if !IsReserved(inv.Name) {
			return inv, true
		}
	}
	return Invocation{}, false
}

func SplitParams(payload string) []string {
	var params []string
	for _, p := range strings.Split(payload, ",") {
		if p = strings.TrimSpace(p); p != "" {
			params = append(params, p)
		}
	}
	return params
}

// ExtractImportantInfo returns the payload of the first [IMPORTANT_INFO:...]
// tag. On an envelope the executed-directives section is not included.
func ExtractImportantInfo(text string) string {
	start := strings.Index(text, importantInfoOpen)
	if start < 0 {
		return ""
	}
	rest := text[start+len(importantInfoOpen):]

	end := strings.Index(rest, "]")
	if marker := strings.Index(rest, executedOpen); marker >= 0 && (end < 0 || marker < end) {
		return strings.TrimSpace(rest[:marker])
	}
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// Clean strips directive tags and a leading "Respuesta:" marker from model output.
func Clean(text string) string {
	for {
		next := cleanOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func cleanOnce(text string) string {
	for {
		next := innerTagPattern.ReplaceAllString(reservedPattern.ReplaceAllString(text, ""), "")
		if next == text {
			break
		}
		text = next
	}
	text = genericPattern.ReplaceAllString(text, "")
	text = answerMarker.ReplaceAllString(text, "")
	text = repeatedBlanks.ReplaceAllString(text, " ")
	text = spaceBeforePunct.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}

func Trace(name string, params []string) string {
	if len(params) == 0 {
		return "[" + name + "]"
	}
	return "[" + name + ":" + strings.Join(params, ", ") + "]"
}

func BuildEnvelope(info string, traces []string) string {
	if len(traces) == 0 {
		return importantInfoOpen + " " + info + "]"
	}
	return importantInfoOpen + " " + info + " " + executedOpen + " " + strings.Join(traces, " ") + "]]"
}

func ParseEnvelope(s string) (Envelope, bool) {
	if !strings.Contains(s, importantInfoOpen) {
		return Envelope{}, false
	}

	env := Envelope{Summary: ExtractImportantInfo(s)}

	marker := strings.Index(s, executedOpen)
	if marker < 0 {
		return env, true
	}
	tail := strings.TrimSpace(s[marker+len(executedOpen):])
	tail = strings.TrimSuffix(tail, "]")
	tail = strings.TrimSuffix(strings.TrimSpace(tail), "]")
	env.Traces = strings.TrimSpace(tail)
	return env, true
}
