// Package durabus is a durable message bus engine built on Watermill
// transports. Every message is wrapped in an Envelope that is written to a
// durable store before each state change, so a node that crashes mid-send or
// mid-handler loses nothing: the surviving nodes notice the missing heartbeat
// and pick up its rows.
//
// A Runtime is configured from Config (or a YAML file read by LoadConfig),
// declares its listeners and destinations, and runs until its context ends:
//
//	rt, err := durabus.New(ctx, conf, nil, durabus.Dependencies{})
//	if err != nil {
//		return err
//	}
//	_ = durabus.HandleJSON[OrderPlaced](rt, "OrderPlaced", placeOrder)
//	return rt.Run(ctx)
//
// Messages leave through Send, or SendTx when the outgoing row has to commit
// together with business data in the same SQL transaction.
//
// # Worker queues
//
// A durable listener persists envelopes on receipt and deletes them once the
// handler succeeds. A lightweight listener only keeps them in memory. Failed
// handlers are retried in place, rescheduled with exponential backoff or moved
// to the dead letter store according to the RetryPolicy built from Config.
//
// # Sending agents
//
// Each destination has an agent that latches when the transport keeps failing.
// While latched it queues new envelopes and pings the destination with backoff;
// the first successful ping unlatches it and replays the backlog.
//
// # Stores
//
// Config.StoreBackend selects none, memory, sqlite (mattn/go-sqlite3) or
// postgres (lib/pq). With "none" only lightweight listeners are allowed.
//
// # Transports
//
// Importing github.com/drblury/durabus/transport/transports registers channel,
// kafka, rabbitmq, nats, jetstream, aws, http and io with the default
// registry. Endpoints are addressed as scheme://topic.
//
// # Operations
//
// Setting Config.AdminAddress serves the admin API: dead letter listing,
// replay and purge, agent status and unlatching, handler stats and prometheus
// metrics. The durabusctl command works on the store directly.
package durabus
