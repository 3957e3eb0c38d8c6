// Package whatsapp implements the WhatsApp gateway surface: webhook payload
// parsing and outbound sends through the Cloud API.
package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Metadata carries the gateway flags used to classify message origin.
// Messages sent through this system's API are marked by the gateway with
// api_source or sent_from_server; everything else mirrored from the
// operator's phone lacks both.
type Metadata struct {
	APISource      bool `json:"api_source"`
	SentFromServer bool `json:"sent_from_server"`
}

// Envelope is one inbound message event, normalized from the webhook payload.
// Peer is always the customer side of the chat: the sender for inbound
// customer messages, the recipient for mirrored operator messages.
type Envelope struct {
	ExternalID  string
	Peer        string // customer phone (wa_id)
	ProfileName string
	Text        string
	MediaID     string
	MediaType   string
	Timestamp   time.Time
	FromMe      bool // operator's own traffic mirrored by the gateway
	Meta        Metadata
}

// StatusReceipt is a delivery/read confirmation for an outbound message.
type StatusReceipt struct {
	ExternalID string
	Status     string
}

// Wire types for the webhook POST body.

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Contacts []webhookContact `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
	Statuses []webhookStatus  `json:"statuses"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	FromMe    bool   `json:"from_me"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *webhookMedia `json:"image"`
	Audio    *webhookMedia `json:"audio"`
	Document *webhookMedia `json:"document"`
	Metadata Metadata      `json:"metadata"`
}

type webhookMedia struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type webhookStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseWebhook decodes a webhook POST body into normalized envelopes and
// status receipts. A body that is valid JSON but carries no message or status
// array yields empty slices and a nil error; callers decide whether that is
// worth logging.
func ParseWebhook(body []byte) ([]Envelope, []StatusReceipt, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	var envelopes []Envelope
	var receipts []StatusReceipt

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value

			names := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range value.Messages {
				peer := msg.From
				if msg.FromMe {
					peer = msg.To
				}
				env := Envelope{
					ExternalID:  msg.ID,
					Peer:        peer,
					ProfileName: names[peer],
					Timestamp:   parseUnixTimestamp(msg.Timestamp),
					FromMe:      msg.FromMe,
					Meta:        msg.Metadata,
				}
				if msg.Text != nil {
					env.Text = msg.Text.Body
				}
				switch {
				case msg.Image != nil:
					env.MediaID, env.MediaType = msg.Image.ID, "image"
					if env.Text == "" {
						env.Text = msg.Image.Caption
					}
				case msg.Audio != nil:
					env.MediaID, env.MediaType = msg.Audio.ID, "audio"
				case msg.Document != nil:
					env.MediaID, env.MediaType = msg.Document.ID, "document"
					if env.Text == "" {
						env.Text = msg.Document.Caption
					}
				}
				envelopes = append(envelopes, env)
			}

			for _, st := range value.Statuses {
				receipts = append(receipts, StatusReceipt{ExternalID: st.ID, Status: st.Status})
			}
		}
	}

	return envelopes, receipts, nil
}

func parseUnixTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
