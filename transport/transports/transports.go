// Package transports registers every built-in transport with the default
// registry. Import it for its side effect.
package transports

import (
	_ "github.com/drblury/durabus/transport/aws"
	_ "github.com/drblury/durabus/transport/channel"
	_ "github.com/drblury/durabus/transport/http"
	_ "github.com/drblury/durabus/transport/io"
	_ "github.com/drblury/durabus/transport/jetstream"
	_ "github.com/drblury/durabus/transport/kafka"
	_ "github.com/drblury/durabus/transport/nats"
	_ "github.com/drblury/durabus/transport/rabbitmq"
)
