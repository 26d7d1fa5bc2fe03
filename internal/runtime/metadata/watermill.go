package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// SplitWatermill reads the headers of a Watermill message, separating the
// reserved envelope fields from the application headers.
func SplitWatermill(md message.Metadata) (reserved, application Metadata) {
	reserved = make(Metadata, len(md))
	application = make(Metadata, len(md))
	for k, v := range md {
		if IsReserved(k) {
			reserved[k] = v
			continue
		}
		application[k] = v
	}
	return reserved, application
}

// EnvelopeMetadata builds the headers of an outgoing Watermill message.
// Reserved names in application are dropped so they cannot shadow envelope
// fields, and empty envelope fields are left out.
func EnvelopeMetadata(application, fields Metadata) message.Metadata {
	wm := make(message.Metadata, len(application)+len(fields))
	for k, v := range application {
		if !IsReserved(k) {
			wm[k] = v
		}
	}
	for k, v := range fields {
		if v != "" {
			wm[k] = v
		}
	}
	return wm
}
