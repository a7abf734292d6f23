// Package notify mails failure reports with the job's logs attached.
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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/metrics"
)

// SubjectPrefix marks every mail sent by the daemon.
const SubjectPrefix = "[stepdown] FAILURE: "

const defaultDialTimeout = 30 * time.Second

// ErrThrottled is returned when a mail was dropped because the previous one
// went out less than MinInterval ago.
var ErrThrottled = errors.New("notification throttled")

// Options configures the SMTP mailer.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string

	// SSL selects implicit TLS; otherwise STARTTLS is used when offered.
	SSL bool

	// MinInterval spaces mails out; 0 sends every one.
	MinInterval time.Duration

	DialTimeout time.Duration
}

// Mailer sends failure notifications over SMTP.
type Mailer struct {
	opts    Options
	limiter *rate.Limiter
	tls     *tls.Config

	// deliver is replaced in tests
	deliver func(ctx context.Context, msg []byte) error
}

// New creates a mailer. It returns nil when there is no host or recipient,
// which disables notifications.
func New(opts Options) *Mailer {
	if opts.Host == "" || len(opts.To) == 0 {
		return nil
	}
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.From == "" {
		opts.From = opts.Username
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	m := &Mailer{
		opts: opts,
		tls:  &tls.Config{ServerName: opts.Host, MinVersion: tls.VersionTLS12},
	}
	if opts.MinInterval > 0 {
		m.limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	m.deliver = m.send
	return m
}

// Notify sends subject and body with the given files attached. Missing
// attachments are skipped. Mails arriving faster than MinInterval are
// dropped with ErrThrottled rather than queued.
func (m *Mailer) Notify(ctx context.Context, subject, body string, attachments []string) error {
	log := logger.FromContext(ctx)

	if m.limiter != nil && !m.limiter.Allow() {
		metrics.IncNotification("throttled")
		log.Warn("Failure mail throttled", "subject", subject)
		return ErrThrottled
	}

	msg, err := BuildMessage(m.opts.From, m.opts.To, SubjectPrefix+subject, body, attachments)
	if err != nil {
		metrics.IncNotification("failed")
		return err
	}
	if err := m.deliver(ctx, msg); err != nil {
		metrics.IncNotification("failed")
		return fmt.Errorf("send mail: %w", err)
	}

	metrics.IncNotification("sent")
	log.Info("Failure notification sent", "to", strings.Join(m.opts.To, ", "))
	return nil
}

func (m *Mailer) send(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	dialer := &net.Dialer{Timeout: m.opts.DialTimeout}

	var conn net.Conn
	var err error
	if m.opts.SSL {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: m.tls}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * m.opts.DialTimeout))
	}

	c, err := smtp.NewClient(conn, m.opts.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if !m.opts.SSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(m.tls); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if m.opts.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", m.opts.Username, m.opts.Password, m.opts.Host)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := c.Mail(m.opts.From); err != nil {
		return err
	}
	for _, to := range m.opts.To {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("rcpt %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// BuildMessage renders a multipart/mixed mail with a plain-text body and
// one base64 part per readable attachment.
func BuildMessage(from string, to []string, subject, body string, attachments []string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	text.Write([]byte(strings.ReplaceAll(body, "\n", "\r\n")))

	for _, path := range attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("Skipping attachment", "path", path, "error", err)
			continue
		}
		name := filepath.Base(path)
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType("application/octet-stream", map[string]string{"name": name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		writeBase64(part, data)
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 wraps encoded data at 76 columns.
func writeBase64(w io.Writer, data []byte) {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		w.Write([]byte(enc[:76] + "\r\n"))
		enc = enc[76:]
	}
	w.Write([]byte(enc + "\r\n"))
}
