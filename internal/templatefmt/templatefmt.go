package templatefmt

import (
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"aegis/internal/domain"
)

// TimeLayout is human timestamp layout used in rendered bodies.
const TimeLayout = "2006-01-02 15:04:05 MST"

const (
	// DefaultAlertBody is plain-text alert notification body.
	DefaultAlertBody = `🔔 Aegis Shield Alert for {{.ContactName}}

Threat Level: {{upper .Alert.Severity}}
Platform: {{.Alert.Platform}}
Type: {{words .Alert.Category}}

Message: "{{.Alert.Message}}"

Detected: {{fmtTime .Alert.Timestamp}}
Time: {{fmtTime .SentAt}}
{{- if .DetailsURL}}
View Details: {{.DetailsURL}}
{{- end}}

Stay safe,
Aegis Shield Team`

	// DefaultEmergencyBody is plain-text emergency broadcast body.
	DefaultEmergencyBody = `🚨 EMERGENCY ALERT - User needs help!

{{.ContactName}}, someone in your Safe Circle has activated the emergency protocol.

Time: {{fmtTime .SentAt}}
Last Location: {{orDefault .Emergency.Location "Unknown"}}
Additional Info: {{orDefault .Emergency.Notes "None"}}

Please check on them immediately.

- Aegis Shield Emergency System`

	// DefaultAlertSubject is email subject for alert fan-out.
	DefaultAlertSubject = `🔔 Aegis Shield Alert: {{.Alert.Severity.Title}} {{words .Alert.Category}}`

	// DefaultEmergencySubject is email subject for emergency broadcast.
	DefaultEmergencySubject = `🚨 EMERGENCY ALERT`

	// DefaultEmailHTML wraps rendered text body for HTML email channels.
	DefaultEmailHTML = `{{if .Emergency}}<h1 style="color: #dc2626;">🚨 Emergency Alert</h1>
<p><strong>{{.ContactName}}</strong>, someone in your Safe Circle needs help!</p>
<p><strong>Location:</strong> {{orDefault .Emergency.Location "Unknown"}}</p>
<p><strong>Time:</strong> {{fmtTime .SentAt}}</p>
<p>Please check on them immediately.</p>{{else}}<h1 style="color: #ea580c;">🔔 Aegis Shield Alert</h1>
<p><strong>Threat Level:</strong> {{upper .Alert.Severity}}</p>
<p><strong>Platform:</strong> {{.Alert.Platform}}</p>
<p><strong>Type:</strong> {{words .Alert.Category}}</p>
<blockquote>{{.Alert.Message}}</blockquote>
<p><strong>Time:</strong> {{fmtTime .SentAt}}</p>{{end}}`
)

// View is render context for one notification to one contact.
// Params: contact name, exactly one of alert or emergency, dispatch time, and optional details link.
// Returns: template data shared by all channels.
type View struct {
	ContactName string
	Alert       *domain.Alert
	Emergency   *domain.EmergencyEvent
	SentAt      time.Time
	DetailsURL  string
}

// Message is rendered output for one contact.
// Params: subject, plain text body, and HTML body.
// Returns: channel-agnostic message payload.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Overrides replaces built-in templates; empty fields keep defaults.
type Overrides struct {
	Alert            string
	Emergency        string
	AlertSubject     string
	EmergencySubject string
	EmailHTML        string
}

// Renderer renders alert and emergency messages from compiled templates.
// Params: compiled text and HTML templates.
// Returns: concurrency-safe renderer (templates are read-only after parse).
type Renderer struct {
	alert            *template.Template
	emergency        *template.Template
	alertSubject     *template.Template
	emergencySubject *template.Template
	html             *htmltemplate.Template
}

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtTime":   FormatTime,
		"upper":     upper,
		"words":     words,
		"orDefault": orDefault,
		"json":      MarshalJSON,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// ParseHTMLTemplate parses one HTML email template with shared helpers.
// Params: template name and body.
// Returns: compiled HTML template or parse error.
func ParseHTMLTemplate(name, body string) (*htmltemplate.Template, error) {
	return htmltemplate.New(name).Funcs(htmltemplate.FuncMap(FuncMap())).Option("missingkey=error").Parse(body)
}

// NewRenderer compiles built-in templates with optional overrides.
// Params: override bodies.
// Returns: renderer or parse error naming the failing template.
func NewRenderer(overrides Overrides) (*Renderer, error) {
	pick := func(custom, fallback string) string {
		if strings.TrimSpace(custom) == "" {
			return fallback
		}
		return custom
	}

	var (
		r   Renderer
		err error
	)
	if r.alert, err = ParseNotificationTemplate("alert", pick(overrides.Alert, DefaultAlertBody)); err != nil {
		return nil, fmt.Errorf("parse alert template: %w", err)
	}
	if r.emergency, err = ParseNotificationTemplate("emergency", pick(overrides.Emergency, DefaultEmergencyBody)); err != nil {
		return nil, fmt.Errorf("parse emergency template: %w", err)
	}
	if r.alertSubject, err = ParseNotificationTemplate("alert_subject", pick(overrides.AlertSubject, DefaultAlertSubject)); err != nil {
		return nil, fmt.Errorf("parse alert subject template: %w", err)
	}
	if r.emergencySubject, err = ParseNotificationTemplate("emergency_subject", pick(overrides.EmergencySubject, DefaultEmergencySubject)); err != nil {
		return nil, fmt.Errorf("parse emergency subject template: %w", err)
	}
	if r.html, err = ParseHTMLTemplate("email_html", pick(overrides.EmailHTML, DefaultEmailHTML)); err != nil {
		return nil, fmt.Errorf("parse email html template: %w", err)
	}
	return &r, nil
}

// Render renders subject, text, and HTML bodies for one view.
// Params: view with exactly one trigger set.
// Returns: rendered message or render error.
func (r *Renderer) Render(view View) (Message, error) {
	var body, subject *template.Template
	switch {
	case view.Alert != nil && view.Emergency == nil:
		body, subject = r.alert, r.alertSubject
	case view.Emergency != nil && view.Alert == nil:
		body, subject = r.emergency, r.emergencySubject
	default:
		return Message{}, fmt.Errorf("render notification: exactly one of alert or emergency is required")
	}

	text, err := execute(body, view)
	if err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", body.Name(), err)
	}
	subjectText, err := execute(subject, view)
	if err != nil {
		return Message{}, fmt.Errorf("render %s: %w", subject.Name(), err)
	}
	var html strings.Builder
	if err := r.html.Execute(&html, view); err != nil {
		return Message{}, fmt.Errorf("render email html: %w", err)
	}
	return Message{
		Subject: strings.TrimSpace(subjectText),
		Text:    strings.TrimSpace(text),
		HTML:    strings.TrimSpace(html.String()),
	}, nil
}

func execute(tmpl *template.Template, data any) (string, error) {
	var builder strings.Builder
	if err := tmpl.Execute(&builder, data); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// FormatTime renders timestamp in UTC with TimeLayout.
// Params: template value expected as time.Time or *time.Time.
// Returns: formatted timestamp or empty string.
func FormatTime(value any) string {
	switch typed := value.(type) {
	case time.Time:
		if typed.IsZero() {
			return ""
		}
		return typed.UTC().Format(TimeLayout)
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return ""
		}
		return typed.UTC().Format(TimeLayout)
	default:
		return ""
	}
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

func upper(value any) string {
	return strings.ToUpper(fmt.Sprint(value))
}

func words(value any) string {
	return strings.ReplaceAll(fmt.Sprint(value), "_", " ")
}

func orDefault(value any, fallback string) string {
	text := strings.TrimSpace(fmt.Sprint(value))
	if value == nil || text == "" {
		return fallback
	}
	return text
}
