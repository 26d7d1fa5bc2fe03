package metadata

import "strings"

// Reserved header names used to carry envelope fields over transports that
// only understand string headers.
const (
	ReservedPrefix = "durabus-"

	KeyEnvelopeID    = ReservedPrefix + "id"
	KeyMessageType   = ReservedPrefix + "message-type"
	KeyContentType   = ReservedPrefix + "content-type"
	KeyCorrelationID = ReservedPrefix + "correlation-id"
	KeyReplyURI      = ReservedPrefix + "reply-uri"
	KeySource        = ReservedPrefix + "source"
	KeyDestination   = ReservedPrefix + "destination"
	KeyAttempts      = ReservedPrefix + "attempts"
	KeyExecutionTime = ReservedPrefix + "execution-time"
	KeyDeliverBy     = ReservedPrefix + "deliver-by"
	KeySentAt        = ReservedPrefix + "sent-at"
	KeySessionID     = ReservedPrefix + "session-id"
	KeyGroupID       = ReservedPrefix + "group-id"
)

// IsReserved reports whether key is one of the envelope header names.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}

// Split separates reserved envelope headers from application headers.
func (m Metadata) Split() (reserved, application Metadata) {
	reserved = Metadata{}
	application = Metadata{}
	for k, v := range m {
		if IsReserved(k) {
			reserved[k] = v
			continue
		}
		application[k] = v
	}
	return reserved, application
}
