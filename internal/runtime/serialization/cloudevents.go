package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/jsoncodec"
)

// CloudEventsSpecVersion is the structured-mode version written and accepted.
const CloudEventsSpecVersion = "1.0"

// cloudEvent is the structured-mode JSON form of an envelope. Extension
// attribute names are lower case alphanumerics as CloudEvents requires.
type cloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	ID              string          `json:"id"`
	Time            string          `json:"time,omitempty"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	CorrelationID   string          `json:"durabuscorrelationid,omitempty"`
	Attempt         int             `json:"durabusattempt,omitempty"`
}

func (e cloudEvent) validate() error {
	var errs []error
	if e.SpecVersion != CloudEventsSpecVersion {
		errs = append(errs, fmt.Errorf("specversion must be %q, got %q", CloudEventsSpecVersion, e.SpecVersion))
	}
	if e.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if e.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	return errors.Join(errs...)
}

type cloudEventsWriter struct {
	source string
	now    func() time.Time
}

// CloudEventsWriter wraps the JSON body of a message in a CloudEvents v1.0
// structured-mode document. source is used when the envelope has none.
func CloudEventsWriter(source string) Writer {
	return cloudEventsWriter{source: source, now: time.Now}
}

func (w cloudEventsWriter) ContentType() string { return ContentTypeCloudEvents }

func (w cloudEventsWriter) Write(env *envelope.Envelope) ([]byte, error) {
	data, err := jsoncodec.Marshal(env.Message)
	if err != nil {
		return nil, err
	}
	source := env.Source
	if source == "" {
		source = w.source
	}
	evt := cloudEvent{
		SpecVersion:     CloudEventsSpecVersion,
		Type:            env.MessageType,
		Source:          source,
		ID:              env.ID,
		Time:            w.now().UTC().Format(time.RFC3339Nano),
		DataContentType: ContentTypeJSON,
		Data:            data,
		CorrelationID:   env.CorrelationID,
		Attempt:         env.Attempts,
	}
	if err := evt.validate(); err != nil {
		return nil, fmt.Errorf("invalid cloud event: %w", err)
	}
	return jsoncodec.Marshal(evt)
}

type cloudEventsReader[T any] struct{}

// CloudEventsReader unwraps structured-mode CloudEvents and decodes the data
// attribute into *T.
func CloudEventsReader[T any]() Reader {
	return cloudEventsReader[T]{}
}

func (cloudEventsReader[T]) ContentType() string { return ContentTypeCloudEvents }

func (cloudEventsReader[T]) Read(env *envelope.Envelope) (any, error) {
	var evt cloudEvent
	if err := jsoncodec.Unmarshal(env.Data, &evt); err != nil {
		return nil, fmt.Errorf("decode cloud event: %w", err)
	}
	if err := evt.validate(); err != nil {
		return nil, fmt.Errorf("invalid cloud event: %w", err)
	}
	if evt.CorrelationID != "" && env.CorrelationID == "" {
		env.CorrelationID = evt.CorrelationID
	}
	msg := new(T)
	if len(evt.Data) == 0 {
		return msg, nil
	}
	if err := jsoncodec.Unmarshal(evt.Data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return msg, nil
}

// WithCloudEvents adds the structured-mode reader and writer for T.
func WithCloudEvents[T any](source string) Option {
	return func(reg *registration) {
		reg.addReader(CloudEventsReader[T]())
		reg.addWriter(CloudEventsWriter(source))
	}
}
