package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template IDs used by the note-deadline workflow.
const (
	TemplateNoteReminder     = "note-deadline-reminder"
	TemplateNoteLocked       = "note-locked"
	TemplateSuperviseeLocked = "supervisee-note-locked"
)

// Template defines a reusable email template. Placeholders use {{key}}.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range builtInTemplates {
		e.RegisterTemplate(t)
	}
	return e
}

// Notes never include client names; the session date and type identify the
// record for the provider.
var builtInTemplates = []Template{
	{
		ID:      TemplateNoteReminder,
		Name:    "Note Deadline Reminder",
		Subject: "Progress note due {{deadline}}",
		Body: "Hi {{provider_name}}, the note for your {{session_type}} session on {{session_date}} " +
			"is due by {{deadline}}. Unsigned notes lock automatically at the deadline and are " +
			"withheld from payroll until signed.",
	},
	{
		ID:      TemplateNoteLocked,
		Name:    "Note Locked",
		Subject: "Progress note locked: {{session_date}} session",
		Body: "Hi {{provider_name}}, the note for your {{session_type}} session on {{session_date}} " +
			"was not signed by {{deadline}} and has been locked. Ask your supervisor to override the lock.",
	},
	{
		ID:      TemplateSuperviseeLocked,
		Name:    "Supervisee Note Locked",
		Subject: "Supervisee note locked: {{provider_name}}",
		Body: "Hi {{supervisor_name}}, {{provider_name}}'s note for the {{session_type}} session on " +
			"{{session_date}} passed its deadline ({{deadline}}) and has been locked.",
	},
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render replaces {{key}} placeholders from data. Unknown placeholders are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
