// Package delivery implements the Outgoing runner's handler: SMTP client
// delivery to one recipient per entry, circuit-broken per destination
// domain and DKIM-signed when the list enables it, classifying failures
// per spec.md §7's transient/permanent taxonomy.
package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/metrics"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/resilience"
	"github.com/mailmanhq/engine/internal/runner"
	"github.com/mailmanhq/engine/internal/security"
)

// Config configures the Outgoing runner's SMTP client behavior.
type Config struct {
	RelayHost      string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	RequireTLS     bool
	VerifyTLS      bool
	SignOutbound   bool
}

// Handler is the Outgoing runner's sole handler. Entries arrive one per
// recipient (see internal/handlers.ToOutgoing), each carrying its own
// envelope sender under "return_path".
type Handler struct {
	Config    Config
	Breakers  *resilience.BreakerRegistry
	DKIM      *security.DKIMSignerPool
	Bounce    *queue.Switchboard
	Retry     *queue.Switchboard
	Log       *logging.Logger
}

func (h Handler) Name() string { return "Delivery" }

func (h Handler) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	recipient, _ := meta["recipient"].(string)
	returnPath, _ := meta["return_path"].(string)
	if recipient == "" {
		return runner.Continue, "", fmt.Errorf("delivery: missing recipient metadata")
	}

	domain := domainOf(recipient)
	breaker := h.Breakers.Get(domain)

	body := message
	if h.Config.SignOutbound && h.DKIM != nil {
		if signed, err := h.sign(list, message); err == nil {
			body = signed
		} else {
			h.Log.WarnContext(ctx, "dkim signing failed, sending unsigned", "list", list, "domain", domain, "error", err.Error())
		}
	}

	start := time.Now()
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return h.deliver(ctx, domain, returnPath, recipient, body)
	})
	metrics.RecordDelivery(outcomeLabel(err), time.Since(start).Seconds())

	if err == nil {
		return runner.Discard, "", nil
	}

	class := classify(err)
	switch class {
	case transient:
		if h.Retry == nil {
			return runner.Continue, "", fmt.Errorf("delivery: transient failure to %s, no retry queue configured: %w", recipient, err)
		}
		if _, qerr := h.Retry.Enqueue(message, cloneWithReason(meta, err)); qerr != nil {
			return runner.Continue, "", fmt.Errorf("delivery: enqueue retry for %s: %w", recipient, qerr)
		}
		return runner.Discard, "", nil
	case permanent:
		if h.Bounce == nil {
			return runner.Continue, "", fmt.Errorf("delivery: permanent failure for %s, no bounce queue configured: %w", recipient, err)
		}
		dsn := syntheticDSN(list, recipient, err)
		if _, qerr := h.Bounce.Enqueue(dsn, queue.Metadata{
			"listname": list,
			"member":   recipient,
			"whichq":   "bounce",
		}); qerr != nil {
			return runner.Continue, "", fmt.Errorf("delivery: enqueue bounce for %s: %w", recipient, qerr)
		}
		return runner.Discard, "", nil
	default:
		return runner.Continue, "", fmt.Errorf("delivery: %s: %w", recipient, err)
	}
}

func (h Handler) sign(list string, message []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.DKIM.Sign(list, &buf, bytes.NewReader(message)); err != nil {
		return nil, err
	}
	return append(buf.Bytes(), message...), nil
}

func cloneWithReason(meta queue.Metadata, err error) queue.Metadata {
	out := queue.Metadata{}
	for k, v := range meta {
		out[k] = v
	}
	out["whichq"] = "retry"
	out["_retry_reason"] = err.Error()
	return out
}

func domainOf(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return address
	}
	return strings.ToLower(address[at+1:])
}

// deliver opens one SMTP connection to Config.RelayHost (or, if unset,
// the recipient's domain directly) and transmits the message.
func (h Handler) deliver(ctx context.Context, domain, from, to string, body []byte) error {
	host := h.Config.RelayHost
	if host == "" {
		host = domain + ":25"
	}
	dialer := net.Dialer{Timeout: h.Config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, strings.SplitN(host, ":", 2)[0])
	if err != nil {
		return fmt.Errorf("smtp client to %s: %w", host, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok || h.Config.RequireTLS {
		tlsCfg := &tls.Config{ServerName: strings.SplitN(host, ":", 2)[0], InsecureSkipVerify: !h.Config.VerifyTLS}
		if err := client.StartTLS(tlsCfg); err != nil {
			if h.Config.RequireTLS {
				return fmt.Errorf("starttls to %s: %w", host, err)
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from %s: %w", from, err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to %s: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}

type failureClass int

const (
	unknownFailure failureClass = iota
	transient
	permanent
)

// classify inspects an SMTP reply's status code to decide transient vs.
// permanent, per spec.md §7 (4xx retries, 5xx bounces).
func classify(err error) failureClass {
	if err == nil {
		return unknownFailure
	}
	msg := err.Error()
	code := extractSMTPCode(msg)
	switch {
	case code >= 500 && code < 600:
		return permanent
	case code >= 400 && code < 500:
		return transient
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "dial"):
		return transient
	default:
		return permanent
	}
}

func extractSMTPCode(msg string) int {
	for i := 0; i+3 <= len(msg); i++ {
		if msg[i] >= '1' && msg[i] <= '5' && isDigit(msg[i+1]) && isDigit(msg[i+2]) {
			if i+3 == len(msg) || msg[i+3] == ' ' || msg[i+3] == '-' {
				n, err := strconv.Atoi(msg[i : i+3])
				if err == nil {
					return n
				}
			}
		}
	}
	return 0
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	switch classify(err) {
	case transient:
		return "transient"
	case permanent:
		return "permanent"
	default:
		return "error"
	}
}

func syntheticDSN(list, recipient string, cause error) []byte {
	return []byte(fmt.Sprintf(
		"From: mailer-daemon@%s\r\n"+
			"To: %s-bounces\r\n"+
			"Content-Type: multipart/report; report-type=delivery-status; boundary=synthetic\r\n\r\n"+
			"--synthetic\r\nContent-Type: text/plain\r\n\r\n%s\r\n\r\n"+
			"--synthetic\r\nContent-Type: message/delivery-status\r\n\r\n"+
			"Final-Recipient: rfc822; %s\r\nStatus: 5.0.0\r\n\r\n"+
			"--synthetic--\r\n",
		domainOf(recipient), list, cause.Error(), recipient))
}
