package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"net/mail"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/SirClappington/notiq/internal/domain"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// TemplateRenderer renders messages from one template file per event type,
// "<event_type>.tmpl", optionally localized as "<event_type>.<locale>.tmpl".
// A file defines the "subject", "text" and "html" templates and one
// "attachment_<name>" template per attachment it can produce.
type TemplateRenderer struct {
	fsys fs.FS
	dir  string

	mu    sync.Mutex
	cache map[string]*templates
}

type templates struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

// NewTemplateRenderer reads templates from dir in fsys; a nil fsys uses the
// bundled templates.
func NewTemplateRenderer(fsys fs.FS, dir string) *TemplateRenderer {
	if fsys == nil {
		fsys, dir = defaultTemplates, "templates"
	}
	return &TemplateRenderer{fsys: fsys, dir: dir, cache: make(map[string]*templates)}
}

type view struct {
	EventType domain.EventType
	Recipient string
	Locale    string
	Entity    map[string]string
	Data      map[string]any
}

func (r *TemplateRenderer) Render(_ context.Context, eventType domain.EventType, p domain.Payload, locale string) (Message, error) {
	if _, err := mail.ParseAddress(p.Recipient); err != nil {
		return Message{}, fmt.Errorf("%w %q: %v", ErrInvalidRecipient, p.Recipient, err)
	}
	t, err := r.load(eventType, locale)
	if err != nil {
		return Message{}, err
	}
	v := view{EventType: eventType, Recipient: p.Recipient, Locale: locale, Entity: p.Entity, Data: p.Data}

	var msg Message
	if msg.Subject, err = execText(t.text, "subject", v); err != nil {
		return Message{}, err
	}
	msg.Subject = strings.TrimSpace(msg.Subject)
	if msg.Text, err = execText(t.text, "text", v); err != nil {
		return Message{}, err
	}
	var buf bytes.Buffer
	if err := t.html.ExecuteTemplate(&buf, "html", v); err != nil {
		return Message{}, Wrap(err, "render html", false)
	}
	msg.HTML = buf.String()

	for _, name := range p.Attachments {
		body, err := execText(t.text, "attachment_"+name, v)
		if err != nil {
			return Message{}, err
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Name:        name + ".txt",
			ContentType: "text/plain; charset=utf-8",
			Data:        []byte(body),
		})
	}
	return msg, nil
}

func execText(t *texttemplate.Template, name string, v view) (string, error) {
	if t.Lookup(name) == nil {
		return "", NonRetriable(fmt.Sprintf("template %q not defined", name))
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, v); err != nil {
		return "", Wrap(err, "render "+name, false)
	}
	return buf.String(), nil
}

func (r *TemplateRenderer) load(eventType domain.EventType, locale string) (*templates, error) {
	names := []string{string(eventType) + ".tmpl"}
	if locale != "" {
		names = append([]string{string(eventType) + "." + strings.ToLower(locale) + ".tmpl"}, names...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if t, ok := r.cache[name]; ok {
			return t, nil
		}
		path := r.dir + "/" + name
		if _, err := fs.Stat(r.fsys, path); err != nil {
			continue
		}
		text, err := texttemplate.ParseFS(r.fsys, path)
		if err != nil {
			return nil, Wrap(err, "parse "+name, false)
		}
		html, err := htmltemplate.ParseFS(r.fsys, path)
		if err != nil {
			return nil, Wrap(err, "parse "+name, false)
		}
		t := &templates{text: text, html: html}
		r.cache[name] = t
		return t, nil
	}
	return nil, NonRetriable(fmt.Sprintf("no template for %s", eventType))
}
