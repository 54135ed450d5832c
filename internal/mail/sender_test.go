package mail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

func render(t *testing.T, msg *gomail.Msg) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func digestItems(now time.Time) []monitor.DigestItem {
	return []monitor.DigestItem{
		{
			Record: monitor.ProcessRecord{ID: "p1", Number: "0001234-56.2024.8.26.0100", Author: "Maria <Silva>"},
			NewEntries: []monitor.HistoryEntry{
				{ID: "e1", Date: now.Add(-time.Hour), Summary: "Juntada de petição"},
				{ID: "e2", Date: now, Error: true, Message: "fetch failed"},
			},
		},
		{
			Record:     monitor.ProcessRecord{ID: "p2"},
			NewEntries: []monitor.HistoryEntry{{ID: "e3", Date: now, Summary: "Conclusos"}},
		},
	}
}

func TestComposeBuildsMultipartDigest(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 8, 2, 14, 30, 0, 0, time.UTC)
	cfg := Config{From: "robot@example.com", To: []string{"a@example.com", "b@example.com"}}
	composed, err := Compose(cfg, digestItems(now), now)
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(render(t, composed)))
	require.NoError(t, err)

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	require.Equal(t, "Novos andamentos (3)", subject)
	from, err := mail.ParseAddress(msg.Header.Get("From"))
	require.NoError(t, err)
	require.Equal(t, "robot@example.com", from.Address)
	require.Len(t, msg.Header["To"], 1)
	to, err := msg.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 2)
	require.Equal(t, "b@example.com", to[1].Address)

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/alternative", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])
	textPart, err := mr.NextPart()
	require.NoError(t, err)
	require.Contains(t, textPart.Header.Get("Content-Type"), "text/plain")
	text, err := io.ReadAll(textPart)
	require.NoError(t, err)
	require.Contains(t, string(text), "Novos andamentos: 3")
	require.Contains(t, string(text), "Processo 0001234-56.2024.8.26.0100")
	require.Contains(t, string(text), "[erro] fetch failed")
	require.Contains(t, string(text), "Processo p2")

	htmlPart, err := mr.NextPart()
	require.NoError(t, err)
	require.Contains(t, htmlPart.Header.Get("Content-Type"), "text/html")
	html, err := io.ReadAll(htmlPart)
	require.NoError(t, err)
	require.Contains(t, string(html), "Maria &lt;Silva&gt;")
	require.Contains(t, string(html), "02/08/2024 14:30")

	_, err = mr.NextPart()
	require.ErrorIs(t, err, io.EOF)
}

func TestComposeKeepsLinesWithinLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 8, 2, 14, 30, 0, 0, time.UTC)
	long := strings.Repeat("Juntada de petição intermediária ", 70)
	items := []monitor.DigestItem{{
		Record:     monitor.ProcessRecord{ID: "p1"},
		NewEntries: []monitor.HistoryEntry{{ID: "e1", Date: now, Summary: long}},
	}}
	composed, err := Compose(Config{From: "robot@example.com", To: []string{"b@x.com", "c@x.com"}}, items, now)
	require.NoError(t, err)
	raw := render(t, composed)

	toHeaders := 0
	for _, line := range strings.Split(string(raw), "\r\n") {
		require.LessOrEqual(t, len(line), 998, "line exceeds the SMTP limit")
		if strings.HasPrefix(line, "To:") {
			toHeaders++
		}
	}
	require.Equal(t, 1, toHeaders)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	_, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	part, err := multipart.NewReader(msg.Body, params["boundary"]).NextPart()
	require.NoError(t, err)
	text, err := io.ReadAll(part)
	require.NoError(t, err)
	require.Contains(t, string(text), strings.TrimSpace(long))
}

func TestSenderUsesInjectedDeliver(t *testing.T) {
	t.Parallel()

	var got *gomail.Msg
	s, err := New(Config{Host: "smtp.example.com", Port: 465, Username: "robot@example.com", To: []string{"x@example.com"}}, nil,
		WithDeliver(func(_ context.Context, cfg Config, msg *gomail.Msg) error {
			require.Equal(t, "robot@example.com", cfg.sender())
			got = msg
			return nil
		}))
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), nil))
	require.Nil(t, got)

	require.NoError(t, s.Send(context.Background(), digestItems(time.Now())))
	require.NotNil(t, got)
	require.Len(t, got.GetToString(), 1)
	require.Contains(t, got.GetToString()[0], "x@example.com")
}

func TestSenderWrapsDeliverError(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Host: "h", Port: 25, From: "f@x", To: []string{"t@x"}}, nil,
		WithDeliver(func(context.Context, Config, *gomail.Msg) error { return errors.New("refused") }))
	require.NoError(t, err)
	err = s.Send(context.Background(), digestItems(time.Now()))
	require.ErrorContains(t, err, "deliver digest: refused")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []Config{
		{Port: 25, From: "f", To: []string{"t"}},
		{Host: "h", From: "f", To: []string{"t"}},
		{Host: "h", Port: 25, From: "f"},
		{Host: "h", Port: 25, To: []string{"t"}},
	}
	for _, cfg := range tests {
		_, err := New(cfg, nil)
		require.Error(t, err)
	}
}

// fakeSMTP accepts one plaintext session and records the envelope.
type fakeSMTP struct {
	mu    sync.Mutex
	from  string
	rcpts []string
	data  string
}

func (f *fakeSMTP) serve(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	write := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
	write("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			write("250 fake")
		case upper == "NOOP", upper == "RSET":
			write("250 OK")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			f.mu.Lock()
			f.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
			f.mu.Unlock()
			write("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			f.mu.Lock()
			f.rcpts = append(f.rcpts, strings.Trim(line[len("RCPT TO:"):], "<> "))
			f.mu.Unlock()
			write("250 OK")
		case upper == "DATA":
			write("354 go ahead")
			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				sb.WriteString(l)
			}
			f.mu.Lock()
			f.data = sb.String()
			f.mu.Unlock()
			write("250 queued")
		case upper == "QUIT":
			write("221 bye")
			return
		default:
			write("502 unsupported")
		}
	}
}

func TestDeliverSMTPPlaintextSession(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := &fakeSMTP{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serve(t, ln)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cfg := Config{
		Host:    "127.0.0.1",
		Port:    addr.Port,
		From:    "robot@example.com",
		To:      []string{"a@example.com", "b@example.com"},
		Timeout: 5 * time.Second,
	}
	require.Equal(t, "127.0.0.1:"+strconv.Itoa(addr.Port), cfg.addr())

	msg, err := Compose(cfg, digestItems(time.Now()), time.Now())
	require.NoError(t, err)
	require.NoError(t, deliverSMTP(context.Background(), cfg, msg))
	<-done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Equal(t, "robot@example.com", srv.from)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, srv.rcpts)
	require.Contains(t, srv.data, "Subject:")
	require.Contains(t, srv.data, "multipart/alternative")
	require.Contains(t, srv.data, "quoted-printable")
}
