package memory

import (
	"fmt"
	"strings"

	"chatassistant/internal/conversation/models"
	"chatassistant/internal/directive"
)

// Window is how many trailing messages are considered.
const Window = 4

const (
	Placeholder     = "lo_que_necesita"
	FallbackSummary = "información general"
	noFunctions     = "ninguna"
	contextPrefix   = "CONVERSACIÓN PREVIA: "
	lineSeparator   = " || "
)

// Summarize returns the envelope summary or the fallback when it is empty or
// still the prompt placeholder.
func Summarize(info string) string {
	info = strings.TrimSpace(info)
	if info == "" || info == Placeholder {
		return FallbackSummary
	}
	return info
}

// Compact renders the last Window messages as user/assistant pairs.
func Compact(messages []models.Message) string {
	recent := messages
	if len(recent) > Window {
		recent = recent[len(recent)-Window:]
	}

	var lines []string
	for i := 0; i+1 < len(recent); i += 2 {
		userMsg, assistantMsg := recent[i], recent[i+1]
		if userMsg.Role != models.RoleUser || assistantMsg.Role != models.RoleAssistant {
			continue
		}

		env, _ := directive.ParseEnvelope(assistantMsg.ImportantInfo)
		traces := env.Traces
		if traces == "" {
			traces = noFunctions
		}

		lines = append(lines, fmt.Sprintf("Usuario preguntó: %q | Asistente respondió sobre: %s | Funciones usadas: %s",
			userMsg.Content, Summarize(env.Summary), traces))
	}

	if len(lines) == 0 {
		return ""
	}
	return contextPrefix + strings.Join(lines, lineSeparator)
}
