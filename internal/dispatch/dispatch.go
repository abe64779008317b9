// Package dispatch provides the outbound send operations built on a
// connected session: single sends, the sequential paced broadcast used for
// draw-result announcements, and a best-effort recipient probe.
package dispatch

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/tote-system/whatsapp-gateway/internal/transport"
)

// addressSuffix is the transport's user address domain, appended to bare
// phone numbers.
const addressSuffix = "@s.whatsapp.net"

// Sender is the slice of the session manager dispatch needs.
type Sender interface {
	SendText(ctx context.Context, id, recipient, text string) (transport.Receipt, error)
	SendAttachment(ctx context.Context, id, recipient string, att transport.Attachment, caption string) (transport.Receipt, error)
	ProbeRecipient(ctx context.Context, id, recipient string) (bool, error)
}

// Payload is one outbound broadcast body: text, optionally with media.
type Payload struct {
	Text       string
	Attachment *transport.Attachment
}

// SendResult is the per-recipient outcome of a broadcast.
type SendResult struct {
	Recipient string `json:"recipient"`
	Sent      bool   `json:"sent"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BroadcastResult aggregates a whole broadcast, preserving recipient order.
type BroadcastResult struct {
	Results     []SendResult `json:"results"`
	TotalSent   int          `json:"totalSent"`
	TotalFailed int          `json:"totalFailed"`
}

type Service struct {
	sender Sender
	pace   time.Duration // fixed delay between broadcast sends
}

func NewService(sender Sender, pace time.Duration) *Service {
	if pace <= 0 {
		pace = time.Second
	}
	return &Service{sender: sender, pace: pace}
}

// SendText delivers one text message. The recipient may be a bare phone
// number or a full transport address.
func (s *Service) SendText(ctx context.Context, id, recipient, text string) (transport.Receipt, error) {
	return s.sender.SendText(ctx, id, NormalizeRecipient(recipient), text)
}

// SendAttachment delivers media with a caption.
func (s *Service) SendAttachment(ctx context.Context, id, recipient string, att transport.Attachment, caption string) (transport.Receipt, error) {
	return s.sender.SendAttachment(ctx, id, NormalizeRecipient(recipient), att, caption)
}

// Broadcast sends the payload to every recipient sequentially, pacing with
// a fixed delay between sends. One recipient failing never aborts the rest;
// each failure is captured in its slot of the result.
func (s *Service) Broadcast(ctx context.Context, id string, recipients []string, payload Payload) BroadcastResult {
	res := BroadcastResult{Results: make([]SendResult, 0, len(recipients))}
	for i, recipient := range recipients {
		addr := NormalizeRecipient(recipient)
		var rcpt transport.Receipt
		var err error
		if payload.Attachment != nil {
			rcpt, err = s.sender.SendAttachment(ctx, id, addr, *payload.Attachment, payload.Text)
		} else {
			rcpt, err = s.sender.SendText(ctx, id, addr, payload.Text)
		}
		if err != nil {
			log.Printf("[%s] broadcast send to %s failed: %v", id, recipient, err)
			res.Results = append(res.Results, SendResult{Recipient: recipient, Error: err.Error()})
			res.TotalFailed++
		} else {
			res.Results = append(res.Results, SendResult{Recipient: recipient, Sent: true, MessageID: rcpt.MessageID})
			res.TotalSent++
		}
		if i < len(recipients)-1 {
			select {
			case <-ctx.Done():
				// Remaining recipients are reported as not attempted.
				for _, rest := range recipients[i+1:] {
					res.Results = append(res.Results, SendResult{Recipient: rest, Error: ctx.Err().Error()})
					res.TotalFailed++
				}
				return res
			case <-time.After(s.pace):
			}
		}
	}
	return res
}

// CheckRecipientExists probes whether the recipient is reachable. Every
// failure, including transport errors, is swallowed and reported as false;
// callers must treat a negative as inconclusive.
func (s *Service) CheckRecipientExists(ctx context.Context, id, recipient string) bool {
	exists, err := s.sender.ProbeRecipient(ctx, id, NormalizeRecipient(recipient))
	if err != nil {
		log.Printf("[%s] existence probe for %s failed: %v", id, recipient, err)
		return false
	}
	return exists
}

// NormalizeRecipient converts a bare phone number into the transport's
// address form. Already-addressed recipients pass through untouched.
func NormalizeRecipient(recipient string) string {
	if strings.Contains(recipient, "@") {
		return recipient
	}
	var digits strings.Builder
	for _, r := range recipient {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + addressSuffix
}
