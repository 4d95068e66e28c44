package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const dialTimeout = 28 * time.Second

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// ImplicitTLS dials with TLS instead of upgrading with STARTTLS.
	ImplicitTLS bool
}

// SMTPTransport delivers messages through an SMTP relay.
type SMTPTransport struct {
	cfg SMTPConfig
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Send(ctx context.Context, recipient string, msg Message) error {
	body, err := buildMessage(t.cfg.From, recipient, msg)
	if err != nil {
		return Wrap(err, "build message", false)
	}
	client, err := t.dial(ctx)
	if err != nil {
		return Wrap(err, "could not dial smtp host", true)
	}
	defer client.Close()

	// a cancelled context aborts whatever exchange is in flight
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if ok, _ := client.Extension("STARTTLS"); ok && !t.cfg.ImplicitTLS {
		if err := client.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
			return classify(err, "starttls")
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return classify(err, "client auth")
		}
	}
	if err := client.Mail(t.cfg.From); err != nil {
		return classify(err, "mail from")
	}
	if err := client.Rcpt(recipient); err != nil {
		var tp *textproto.Error
		if errors.As(err, &tp) && tp.Code >= 500 {
			return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		return classify(err, "rcpt to")
	}
	w, err := client.Data()
	if err != nil {
		return classify(err, "data")
	}
	if _, err := w.Write(body); err != nil {
		return classify(err, "write body")
	}
	if err := w.Close(); err != nil {
		return classify(err, "close body")
	}
	if err := client.Quit(); err != nil {
		return classify(err, "quit")
	}
	return nil
}

func (t *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	d := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if t.cfg.ImplicitTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: t.cfg.Host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(dialTimeout))
	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return client, nil
}

// classify maps an SMTP reply to a retry decision: 4xx replies and network
// failures are temporary, 5xx replies are not.
func classify(err error, step string) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return Wrap(err, step, tp.Code < 500)
	}
	return Wrap(err, step, true)
}

func buildMessage(from, to string, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", time.Now().UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")

	mw := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	var altBody bytes.Buffer
	alt := multipart.NewWriter(&altBody)
	if err := writePart(alt, "text/plain; charset=utf-8", []byte(msg.Text), ""); err != nil {
		return nil, err
	}
	if err := writePart(alt, "text/html; charset=utf-8", []byte(msg.HTML), ""); err != nil {
		return nil, err
	}
	if err := alt.Close(); err != nil {
		return nil, err
	}
	if err := writePart(mw, "multipart/alternative; boundary="+alt.Boundary(), altBody.Bytes(), ""); err != nil {
		return nil, err
	}
	for _, a := range msg.Attachments {
		if err := writePart(mw, a.ContentType, a.Data, a.Name); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType string, data []byte, filename string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	if filename == "" && strings.HasPrefix(contentType, "multipart/") {
		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	h.Set("Content-Transfer-Encoding", "base64")
	if filename != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	enc := base64.NewEncoder(base64.StdEncoding, &lineWriter{w: w})
	if _, err := enc.Write(data); err != nil {
		return err
	}
	return enc.Close()
}

// lineWriter breaks base64 output into 76 character lines.
type lineWriter struct {
	w   io.Writer
	col int
}

func (l *lineWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		chunk := 76 - l.col
		if chunk > len(p) {
			chunk = len(p)
		}
		if _, err := l.w.Write(p[:chunk]); err != nil {
			return n, err
		}
		n += chunk
		l.col += chunk
		p = p[chunk:]
		if l.col == 76 {
			if _, err := l.w.Write([]byte("\r\n")); err != nil {
				return n, err
			}
			l.col = 0
		}
	}
	return n, nil
}

// LogTransport only logs what it would send.
type LogTransport struct {
	log *zap.Logger
}

func NewLogTransport(log *zap.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Send(_ context.Context, recipient string, msg Message) error {
	t.log.Info("notification sent",
		zap.String("recipient", recipient),
		zap.String("subject", msg.Subject),
		zap.Int("attachments", len(msg.Attachments)))
	return nil
}
