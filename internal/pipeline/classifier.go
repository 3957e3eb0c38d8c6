package pipeline

import "github.com/ruanpv/zapdesk/internal/whatsapp"

// Origin labels where a mirrored operator message came from.
type Origin int

const (
	// OriginDevice means the message was typed on the operator's own phone
	// and only observed through the webhook mirror feed.
	OriginDevice Origin = iota
	// OriginAPI means the message was sent by this system through the
	// platform's send API and is already persisted.
	OriginAPI
)

func (o Origin) String() string {
	if o == OriginAPI {
		return "api"
	}
	return "device"
}

// ClassifierFunc decides the origin of a mirrored envelope from its gateway
// metadata. Injectable so the heuristic can be replaced and tested in
// isolation.
type ClassifierFunc func(meta whatsapp.Metadata) Origin

// ClassifyOrigin is the default heuristic: an explicit api_source or
// sent_from_server flag marks the message API-origin; everything else is
// assumed device-origin. This is a heuristic, not a guarantee — an API send
// whose flags were stripped by the gateway would be misclassified as
// device-origin and persisted twice.
func ClassifyOrigin(meta whatsapp.Metadata) Origin {
	if meta.APISource || meta.SentFromServer {
		return OriginAPI
	}
	return OriginDevice
}
