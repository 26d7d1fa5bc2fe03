/*
Package runtime assembles one durabus node out of the engine packages.

# Architecture Overview

A Runtime owns the durable store, the transport hub, the handler pipeline, one
worker queue per listener, one sending agent per destination and the recovery
agent. Envelopes flow like this:

	Send -> store outgoing row -> sending.Agent -> transport.Sender
	transport.Listener -> workers.WorkerQueue -> pipeline.Executor -> handler

Every transition of a durable envelope is written to the store first, so a
crashed node loses nothing: the recovery agent of a surviving node reassigns
orphaned rows and routes them back through EnqueueIncoming and
EnqueueOutgoing.

# Package Structure

## Runtime (runtime.go)

Construction from config, endpoint declaration (ListenTo, SendTo), Start,
Run and Stop, and the routers used by the recovery agent.

## Sending (send.go)

Send and SendTx with their SendOptions. SendTx writes the outgoing row inside
a caller's SQL transaction.

## Admin API and metrics (admin.go, metrics.go, resources.go)

A chi router serving dead letter management, sending agent status, handler
stats, node status and the prometheus endpoint.

## Store and logger selection (store.go, logger.go)

# Sub-packages

  - config/: Configuration with defaults, validation and YAML loading
  - dataflow/: Bounded action block used by queues and agents
  - durability/: Null, memory and SQL stores plus the recovery agent
  - envelope/: The envelope, its states and the dead letter report
  - errors/: Sentinel errors and error types
  - ids/: ULID and session id generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Service and message loggers
  - metadata/: Envelope headers and their watermill mapping
  - pipeline/: Handler registry, middleware chain and retry policy
  - scheduled/: Timer queue for delayed envelopes
  - sending/: Sending agent, store callback and circuit watcher
  - serialization/: Readers and writers per message and content type
  - workers/: Lightweight and durable worker queues

# Usage Example

	conf := &config.Config{
		ServiceName:  "orders",
		StoreBackend: config.StoreSQLite,
		SQLiteFile:   "orders.db",
		Listeners:    []config.ListenerConfig{{URI: "kafka://orders", Mode: config.ModeDurable}},
		Senders:      []config.SenderConfig{{Destination: "kafka://billing"}},
	}
	rt, err := runtime.New(ctx, conf, nil, runtime.Dependencies{})
	if err != nil {
		return err
	}
	_ = pipeline.HandleJSON[OrderPlaced](rt.Registry(), "OrderPlaced", placeOrder)
	return rt.Run(ctx)
*/
package runtime
