package email

import (
	"context"

	"EventPost/internal/models"
)

// Renderer turns a named template and context into HTML.
type Renderer interface {
	Context(subject string, data map[string]interface{}) map[string]interface{}
	Render(name string, ctx map[string]interface{}) string
}

// Instrumenter adds open and click tracking to rendered HTML.
type Instrumenter interface {
	Instrument(doc, jobID string) string
}

// Mailer turns a queued job into a Message for the configured transport.
// Templates the transport hosts are left to the provider; the rest are
// rendered locally.
type Mailer struct {
	renderer  Renderer
	transport Transport
	tracking  Instrumenter
	from      string
	replyTo   string
}

func NewMailer(renderer Renderer, transport Transport, from, replyTo string) *Mailer {
	return &Mailer{
		renderer:  renderer,
		transport: transport,
		from:      from,
		replyTo:   replyTo,
	}
}

// WithTracking instruments locally rendered HTML with t.
func (m *Mailer) WithTracking(t Instrumenter) *Mailer {
	m.tracking = t
	return m
}

func (m *Mailer) TransportName() string { return m.transport.Name() }

// Deliver sends job's request and returns the provider message id.
func (m *Mailer) Deliver(ctx context.Context, job *models.Job) (string, error) {
	req := job.Request
	data := m.renderer.Context(req.Subject, req.Data)

	msg := &Message{
		To:      req.To,
		From:    m.from,
		ReplyTo: m.replyTo,
		Subject: req.Subject,
		Data:    data,
	}

	if hosted, ok := m.transport.(HostedTemplates); ok {
		if id, ok := hosted.TemplateID(req.Template); ok {
			msg.TemplateID = id
		}
	}
	if msg.TemplateID == "" {
		msg.HTML = m.renderer.Render(req.Template, data)
		if m.tracking != nil {
			msg.HTML = m.tracking.Instrument(msg.HTML, job.ID)
		}
	}

	return m.transport.Send(ctx, msg)
}
