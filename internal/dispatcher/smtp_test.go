package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu   sync.Mutex
	from string
	to   []string
	data []byte
	tls  bool
}

type captureBackend struct{ c *captured }

func (b captureBackend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	_, isTLS := conn.TLSConnectionState()
	b.c.mu.Lock()
	b.c.tls = isTLS
	b.c.mu.Unlock()
	return &captureSession{c: b.c}, nil
}

type captureSession struct{ c *captured }

func (s *captureSession) Reset()        {}
func (s *captureSession) Logout() error { return nil }

func (s *captureSession) Mail(from string, _ *smtp.MailOptions) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.to = append(s.c.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.data = b
	return nil
}

func TestSMTPEmailProviderSubmitsMultipart(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &captured{}
	srv := smtp.NewServer(captureBackend{c: c})
	srv.Domain = "localhost"
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	p := NewSMTPEmailProvider(SMTPOptions{Name: "relay", Addr: l.Addr().String(), Domain: "mail.test"})
	res, err := p.SendEmail(context.Background(), EmailRequest{
		To:       "Ann <ann@example.com>",
		From:     "news@brand.test",
		Subject:  "Spring sale",
		HTML:     "<p>Hi</p>",
		Text:     "Hi",
		CustomID: "01HX",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.ProviderMessageID, "@mail.test"))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "news@brand.test", c.from)
	assert.Equal(t, []string{"ann@example.com"}, c.to)

	mr, err := mail.CreateReader(bytes.NewReader(c.data))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Spring sale", subject)
	assert.Equal(t, "01HX", mr.Header.Get("X-Message-Id"))

	var types []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			types = append(types, ct)
		}
	}
	assert.Equal(t, []string{"text/plain", "text/html"}, types)
}

func TestSMTPEmailProviderDialFailureTripsBreaker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	p := NewSMTPEmailProvider(SMTPOptions{Name: "relay", Addr: addr, TimeoutMs: int(time.Second / time.Millisecond), FailThreshold: 1, OpenForMs: 60000})
	_, err = p.SendEmail(context.Background(), EmailRequest{To: "a@example.com", From: "b@example.com", Text: "x"})
	require.Error(t, err)
	assert.False(t, p.Ready())
}

func TestBuildMIMERejectsBadAddress(t *testing.T) {
	var buf bytes.Buffer
	err := buildMIME(&buf, EmailRequest{To: "not an address", From: "a@example.com"}, "id@x", time.Now())
	assert.Error(t, err)
}

func TestSMTPEmailProviderStartTLS(t *testing.T) {
	// borrow the self-signed 127.0.0.1 certificate httptest ships with
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	cert := ts.TLS.Certificates[0]
	roots := x509.NewCertPool()
	roots.AddCert(ts.Certificate())
	ts.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &captured{}
	srv := smtp.NewServer(captureBackend{c: c})
	srv.Domain = "localhost"
	srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	p := NewSMTPEmailProvider(SMTPOptions{
		Name:      "relay",
		Addr:      l.Addr().String(),
		StartTLS:  true,
		TLSConfig: &tls.Config{RootCAs: roots},
	})
	_, err = p.SendEmail(context.Background(), EmailRequest{To: "ann@example.com", From: "news@brand.test", Text: "Hi"})
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(t, c.tls, "session should run over TLS")
	assert.Equal(t, []string{"ann@example.com"}, c.to)
}

func TestSMTPEmailProviderStartTLSUnsupported(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &captured{}
	srv := smtp.NewServer(captureBackend{c: c})
	srv.Domain = "localhost"
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	p := NewSMTPEmailProvider(SMTPOptions{Name: "relay", Addr: l.Addr().String(), StartTLS: true})
	_, err = p.SendEmail(context.Background(), EmailRequest{To: "ann@example.com", From: "news@brand.test", Text: "Hi"})
	require.Error(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Nil(t, c.data, "nothing is sent in the clear")
}

func TestSMTPEmailProviderBuildFailureReleasesHalfOpenSlot(t *testing.T) {
	now := time.Now()
	p := NewSMTPEmailProvider(SMTPOptions{Name: "relay", Addr: "127.0.0.1:1", FailThreshold: 1, OpenForMs: 1000})
	p.br.now = func() time.Time { return now }
	bad := EmailRequest{To: "not an address", From: "news@brand.test", Text: "x"}

	_, err := p.SendEmail(context.Background(), bad)
	require.Error(t, err)
	assert.False(t, p.Ready())

	now = now.Add(2 * time.Second)
	require.True(t, p.Acquire(), "cool-down over, trial call admitted")
	_, err = p.SendEmail(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, "open", p.br.State())

	now = now.Add(2 * time.Second)
	assert.True(t, p.Ready(), "a failed trial call re-arms the breaker instead of wedging it")
}
