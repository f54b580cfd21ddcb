// Package mail provides the handful of RFC 5322/DSN operations the
// runner handler chains need: header rewriting without a full
// parse/reserialize round trip, Message-Id minting, VERP envelope
// encode/decode, and classification of inbound delivery status
// notifications into hard/soft bounce severity.
package mail

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
)

// Envelope is the handful of header values handlers consult repeatedly,
// extracted once per entry rather than reparsed by every handler.
type Envelope struct {
	MessageID string
	From      string
	To        string
	Subject   string
}

// ParseEnvelope reads the minimal header set from a raw RFC 5322 message.
func ParseEnvelope(raw []byte) (Envelope, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if e == nil {
		return Envelope{}, fmt.Errorf("mail: parse envelope: %w", err)
	}
	return Envelope{
		MessageID: strings.Trim(e.Header.Get("Message-Id"), "<>"),
		From:      e.Header.Get("From"),
		To:        e.Header.Get("To"),
		Subject:   e.Header.Get("Subject"),
	}, nil
}

// NewMessageID mints a Message-Id for messages synthesized by the engine
// itself (virgin queue notices, digests without one).
func NewMessageID(hostname string) string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return fmt.Sprintf("<mailman.%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(buf), hostname)
}

// SetHeader rewrites or inserts a single header field on a raw message,
// preserving every other header and the body exactly. Handlers use this
// instead of hand-rolled string surgery so that MIME structure survives
// repeated rewrites through the pipeline chain.
func SetHeader(raw []byte, key, value string) ([]byte, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if e == nil {
		return nil, fmt.Errorf("mail: set header %s: %w", key, err)
	}
	e.Header.Set(key, value)
	var buf bytes.Buffer
	if err := e.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("mail: write header %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// HeaderEquals reports whether a raw message's header key already has the
// given value, used by loop-prevention checks (X-BeenThere) that must not
// depend on a full reparse-and-compare.
func HeaderEquals(raw []byte, key, value string) bool {
	e, err := message.Read(bytes.NewReader(raw))
	if e == nil || err != nil && e == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(e.Header.Get(key)), strings.TrimSpace(value))
}

// AppendFooter appends footer text as a trailing block. Multipart
// messages are left untouched (prepending a plain-text footer to a
// multipart body would corrupt its structure); footer injection for
// multipart posts is a Non-goal left to the archiver/web UI, out of
// scope per spec.md §1.
func AppendFooter(raw []byte, footer string) []byte {
	if footer == "" {
		return raw
	}
	if e, _ := message.Read(bytes.NewReader(raw)); e != nil && e.MultipartReader() != nil {
		return raw
	}
	out := make([]byte, 0, len(raw)+len(footer)+2)
	out = append(out, raw...)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, []byte(footer)...)
	return out
}

// EncodeVERP builds a VERP bounce-return-path local part of the classic
// Mailman form "<list>-bounces+<member>=<domain>@<host>", substituting
// "=" for "@" in the member address so MTAs route all bounces for every
// member to the same mailbox while still round-tripping the identity.
func EncodeVERP(list, host, member string) string {
	at := strings.LastIndexByte(member, '@')
	if at < 0 {
		return fmt.Sprintf("%s-bounces@%s", list, host)
	}
	local, domain := member[:at], member[at+1:]
	return fmt.Sprintf("%s-bounces+%s=%s@%s", list, local, domain, host)
}

// DecodeVERP reverses EncodeVERP, recovering the list name and member
// address from a bounce envelope recipient. ok is false for addresses
// that are not VERP-encoded (a plain "<list>-bounces@host" with no
// member extension, as produced when VERP is disabled for the list).
func DecodeVERP(address string) (list, member string, ok bool) {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return "", "", false
	}
	local, host := address[:at], address[at+1:]
	plus := strings.Index(local, "-bounces+")
	if plus < 0 {
		return "", "", false
	}
	list = local[:plus]
	ext := local[plus+len("-bounces+"):]
	eq := strings.LastIndexByte(ext, '=')
	if eq < 0 {
		return "", "", false
	}
	member = fmt.Sprintf("%s@%s", ext[:eq], ext[eq+1:])
	_ = host
	return list, member, true
}

// Severity classifies a delivery status notification.
type Severity string

const (
	Hard    Severity = "hard"
	Soft    Severity = "soft"
	Unknown Severity = "unknown"
)

// ClassifyDSN walks a multipart/report;report-type=delivery-status
// message for machine-readable "Status:" fields (RFC 3464), returning the
// worst severity found (5.x.x = hard, 4.x.x = soft) and every
// Final-Recipient address mentioned. When no delivery-status part is
// present it falls back to scanning the human-readable text for an SMTP
// reply code, per spec.md §9's open question on DSN handling: this rewrite
// fixes the classification rule deterministically rather than guessing at
// mixed legacy encodings.
func ClassifyDSN(raw []byte) (Severity, []string, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if e == nil {
		return Unknown, nil, fmt.Errorf("mail: classify dsn: %w", err)
	}

	mr := e.MultipartReader()
	if mr == nil {
		sev, _ := scanTextForDSN(raw)
		return sev, nil, nil
	}

	severity := Unknown
	var recipients []string
	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			break
		}
		ct, _, _ := part.Header.ContentType()
		if !strings.EqualFold(ct, "message/delivery-status") {
			continue
		}
		body, _ := io.ReadAll(part.Body)
		sev, rcpts := parseDeliveryStatus(body)
		recipients = append(recipients, rcpts...)
		if sev == Hard {
			severity = Hard
		} else if sev == Soft && severity != Hard {
			severity = Soft
		}
	}

	if severity == Unknown {
		sev, _ := scanTextForDSN(raw)
		severity = sev
	}
	return severity, recipients, nil
}

func parseDeliveryStatus(body []byte) (Severity, []string) {
	sev := Unknown
	var recipients []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "final-recipient:"):
			if parts := strings.SplitN(line, ";", 2); len(parts) == 2 {
				recipients = append(recipients, strings.TrimSpace(parts[1]))
			}
		case strings.HasPrefix(lower, "status:"):
			code := strings.TrimSpace(line[len("status:"):])
			switch {
			case strings.HasPrefix(code, "5."):
				sev = Hard
			case strings.HasPrefix(code, "4.") && sev != Hard:
				sev = Soft
			}
		}
	}
	return sev, recipients
}

func scanTextForDSN(raw []byte) (Severity, bool) {
	text := string(raw)
	for _, code := range []string{"550", "551", "552", "553", "554", "5.1.1", "5.2.1", "5.7.1"} {
		if strings.Contains(text, code) {
			return Hard, true
		}
	}
	for _, code := range []string{"450", "451", "452", "4.2.2", "4.3.0"} {
		if strings.Contains(text, code) {
			return Soft, true
		}
	}
	return Unknown, false
}
