package agent

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

const emptyConversation = "Początek rozmowy."

var roleDisplay = map[models.Role]string{
	models.RoleUser:       "Użytkownik",
	models.RoleTherapist:  "Terapeuta",
	models.RoleSupervisor: "Nadzorca",
}

// FormatConversation renders the last maxMessages messages of history as
// "Role: text" lines. maxMessages <= 0 renders the whole history.
func FormatConversation(history []models.Message, maxMessages int) string {
	if len(history) == 0 {
		return emptyConversation
	}
	if maxMessages > 0 && len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}

	lines := make([]string, 0, len(history))
	for _, msg := range history {
		lines = append(lines, DisplayRole(msg.Role)+": "+msg.Text)
	}
	return strings.Join(lines, "\n")
}

// DisplayRole returns the Polish label of a conversation role.
func DisplayRole(r models.Role) string {
	if name, ok := roleDisplay[r]; ok {
		return name
	}
	s := string(r)
	first, size := utf8.DecodeRuneInString(s)
	if first == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(first)) + s[size:]
}

// supervisorPrompt is the evaluation request sent to the supervisor.
func supervisorPrompt(conversation, safetyContext, inlineStage string) string {
	parts := make([]string, 0, 3)
	if inlineStage != "" {
		parts = append(parts, "WYTYCZNE ETAPU:\n"+inlineStage)
	}
	if conversation != "" {
		parts = append(parts, "OSTATNIE WIADOMOŚCI:\n"+conversation)
	}
	if safetyContext != "" {
		parts = append(parts, safetyContext)
	}
	return strings.Join(parts, "\n\n")
}

// therapistPrompt is the generation request sent to the therapist.
func therapistPrompt(userMessage, conversation, inlineStage string) string {
	p := "KONTEKST ROZMOWY:\n" + conversation + "\n\nAKTUALNA WIADOMOŚĆ UŻYTKOWNIKA:\n" + userMessage
	if inlineStage != "" {
		return "WYTYCZNE ETAPU:\n" + inlineStage + "\n\n" + p
	}
	return p
}
