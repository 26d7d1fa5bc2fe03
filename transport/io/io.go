// Package io provides a transport over an append-only file of JSON lines.
// Listeners tail the file, which makes it useful for local pipelines and for
// capturing what a node sends.
package io

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/durabus/internal/runtime/jsoncodec"
	"github.com/drblury/durabus/transport"
)

// Scheme addresses this transport, as in io://audit.
const Scheme = "io"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "durabus-messages.log"

// PollInterval is how long a listener waits at the end of the file.
var PollInterval = 50 * time.Millisecond

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the file transport to r.
func Register(r *transport.Registry) {
	r.Register(Scheme, Build, transport.IOCapabilities)
}

// Build creates a publisher and subscriber sharing one file.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFilePath
	}
	return transport.Transport{
		Publisher:    &Publisher{path: path},
		Subscriber:   &Subscriber{path: path, logger: logger},
		Capabilities: transport.IOCapabilities,
	}, nil
}

type line struct {
	Topic    string            `json:"topic"`
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to the file.
type Publisher struct {
	path string
	mu   sync.Mutex
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		b, err := jsoncodec.Marshal(line{Topic: topic, UUID: msg.UUID, Metadata: msg.Metadata, Payload: msg.Payload})
		if err != nil {
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (p *Publisher) Close() error { return nil }

// Subscriber tails the file and delivers the lines of one topic, waiting for
// each message to be acked or nacked before reading on.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) Close() error { return nil }

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var pending []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		pending = append(pending, chunk...)
		if errors.Is(err, io.EOF) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read message file", err, watermill.LogFields{"path": s.path})
			return
		}

		raw := pending
		pending = nil
		var l line
		if err := jsoncodec.Unmarshal(raw, &l); err != nil {
			s.logger.Error("Skipping malformed message line", err, watermill.LogFields{"path": s.path})
			continue
		}
		if l.Topic != topic {
			continue
		}
		if !deliver(ctx, out, l) {
			return
		}
	}
}

func deliver(ctx context.Context, out chan<- *message.Message, l line) bool {
	for {
		msg := message.NewMessage(l.UUID, l.Payload)
		for k, v := range l.Metadata {
			msg.Metadata.Set(k, v)
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}
		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
		case <-ctx.Done():
			return false
		}
		select {
		case <-time.After(PollInterval):
		case <-ctx.Done():
			return false
		}
	}
}
