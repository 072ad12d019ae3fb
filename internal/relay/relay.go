// Package relay implements the cross-process event side channel. The
// coordinator tool server runs as a sibling OS process, so events it
// wants attributed to the primary stream cannot travel through the
// primary agent's stdout. The relay listens on a unix socket created
// before the primary run starts; the coordinator (and anything it
// spawns) connects, writes JSON {event, data} records, and disconnects.
package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"arbor/internal/logging"
	"arbor/internal/stream"
)

// SocketName is the relay endpoint filename inside a run's scratch dir.
const SocketName = "relay.sock"

// inboundBuffer bounds the relay's inbound event channel. A slow
// consumer drops relay events rather than stalling the sender.
const inboundBuffer = 64

// record is the wire shape of one relayed event.
type record struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Relay is a per-run unix socket listener. Delivery is best-effort and
// teardown happens exactly once regardless of run outcome.
type Relay struct {
	addr     string
	listener net.Listener
	events   chan stream.Event
	log      *logging.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Listen opens the relay endpoint in the given directory.
func Listen(dir string) (*Relay, error) {
	addr := filepath.Join(dir, SocketName)
	// A stale socket from a crashed run blocks the bind.
	_ = os.Remove(addr)

	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay socket: %w", err)
	}

	r := &Relay{
		addr:     addr,
		listener: l,
		events:   make(chan stream.Event, inboundBuffer),
		log:      logging.Get(logging.CategoryRelay),
		closed:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.acceptLoop()

	r.log.Info("relay listening on %s", addr)
	return r, nil
}

// Addr returns the socket path handed to the coordinator config.
func (r *Relay) Addr() string {
	return r.addr
}

// Events returns the bounded inbound channel. It is closed after Close
// once all in-flight connections have drained.
func (r *Relay) Events() <-chan stream.Event {
	return r.events
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			// Listener closed during teardown.
			return
		}
		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

// handleConn decodes records until the peer disconnects.
func (r *Relay) handleConn(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()

	dec := json.NewDecoder(conn)
	for {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			if err != io.EOF {
				r.log.Debug("relay connection decode error: %v", err)
			}
			return
		}

		ev, err := stream.DecodeWire(rec.Event, rec.Data)
		if err != nil {
			r.log.Warn("dropping undecodable relay event %q: %v", rec.Event, err)
			continue
		}

		select {
		case <-r.closed:
			return
		case r.events <- ev:
		default:
			r.log.Warn("relay inbound channel full, dropping %s event", ev.Kind)
		}
	}
}

// Close tears the relay down exactly once: stop listening, wait for
// in-flight connections, close the events channel, remove the socket.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.listener.Close()
		r.wg.Wait()
		close(r.events)
		if err := os.Remove(r.addr); err != nil && !os.IsNotExist(err) {
			r.log.Warn("failed to remove relay socket %s: %v", r.addr, err)
		}
		r.log.Info("relay closed")
	})
}

// Send delivers one event to a relay endpoint. Best-effort: an error
// (including a closed or missing relay) means the event is dropped and
// callers carry on.
func Send(addr string, ev stream.Event) error {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return fmt.Errorf("relay dial failed: %w", err)
	}
	defer conn.Close()

	data, err := ev.MarshalWire()
	if err != nil {
		return err
	}
	return json.NewEncoder(conn).Encode(record{Event: ev.WireName(), Data: data})
}
