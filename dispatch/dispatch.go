// Package dispatch fans notification payloads out through the push gateway
// with batching and per-batch failure isolation.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ratebell/server/expo"
)

const probeTimeout = time.Second * 15

// Gateway is the subset of the push gateway the dispatcher invokes.
type Gateway interface {
	PublishMessages(ctx context.Context, messages []expo.Message) ([]expo.Ticket, error)
	GetReceipts(ctx context.Context, ids []string) (map[string]expo.Receipt, error)
}

// State is the gateway availability as observed by the construction-time
// probe. There is no automatic re-probe; leaving Unavailable requires a
// process restart.
type State int

const (
	Uninitialized State = iota
	Probing
	Available
	Unavailable
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	}
	return "uninitialized"
}

// Dispatcher batches messages into gateway-sized chunks and normalizes send
// results into tickets. Chunks are sent sequentially to respect the
// provider's concurrency ceiling; a failed chunk is logged and skipped so the
// remaining chunks still complete.
type Dispatcher struct {
	gateway      Gateway
	sendLimit    int
	receiptLimit int

	mu    sync.Mutex
	state State
}

// New probes the gateway and returns a dispatcher. A harmless empty receipt
// query serves as the probe: the gateway rejecting it for missing ids proves
// reachability, any other failure marks the gateway unavailable and sends
// become no-ops. Fail closed on misconfiguration rather than burning every
// later send on network errors.
func New(gateway Gateway) *Dispatcher {
	d := &Dispatcher{
		gateway:      gateway,
		sendLimit:    expo.SendLimit,
		receiptLimit: expo.ReceiptLimit,
		state:        Uninitialized,
	}
	d.probe()
	return d
}

func (d *Dispatcher) probe() {
	d.setState(Probing)
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	_, err := d.gateway.GetReceipts(ctx, nil)
	if err == nil || expo.IsNoItemsError(err) {
		d.setState(Available)
		return
	}
	log.Printf("dispatch: gateway probe failed, sends disabled: %v", err)
	d.setState(Unavailable)
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// State returns the availability observed at construction.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SendMessages delivers messages in gateway-sized chunks and returns the
// tickets of the chunks that succeeded, in submission order. Messages whose
// token fails the syntax check are dropped up front. An empty input or an
// unavailable gateway yields an empty result without network I/O.
func (d *Dispatcher) SendMessages(ctx context.Context, messages []expo.Message) []expo.Ticket {
	if len(messages) == 0 {
		return nil
	}
	if state := d.State(); state != Available {
		log.Printf("dispatch: dropping %d messages, gateway %v", len(messages), state)
		return nil
	}

	deliverable := messages[:0:0]
	for _, m := range messages {
		if !expo.IsPushToken(m.To) {
			log.Printf("dispatch: skipping message with invalid token %q", m.To)
			continue
		}
		deliverable = append(deliverable, m)
	}

	var tickets []expo.Ticket
	chunks := chunkMessages(deliverable, d.sendLimit)
	for i, chunk := range chunks {
		batch, err := d.gateway.PublishMessages(ctx, chunk)
		if err != nil {
			log.Printf("dispatch: PublishMessages chunk %d/%d (%d messages): %v", i+1, len(chunks), len(chunk), err)
			continue
		}
		tickets = append(tickets, batch...)
	}
	return tickets
}

// FetchReceipts retrieves delivery receipts for the ok-tickets among the
// given tickets, chunked to the gateway's receipt limit with the same
// per-chunk isolation as SendMessages.
func (d *Dispatcher) FetchReceipts(ctx context.Context, tickets []expo.Ticket) map[string]expo.Receipt {
	var ids []string
	for _, t := range tickets {
		if t.Status == expo.StatusOK && t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if state := d.State(); state != Available {
		log.Printf("dispatch: dropping receipt query for %d tickets, gateway %v", len(ids), state)
		return nil
	}

	receipts := make(map[string]expo.Receipt)
	chunks := chunkIDs(ids, d.receiptLimit)
	for i, chunk := range chunks {
		batch, err := d.gateway.GetReceipts(ctx, chunk)
		if err != nil {
			log.Printf("dispatch: GetReceipts chunk %d/%d (%d ids): %v", i+1, len(chunks), len(chunk), err)
			continue
		}
		for id, r := range batch {
			receipts[id] = r
		}
	}
	return receipts
}

func chunkMessages(messages []expo.Message, size int) [][]expo.Message {
	var chunks [][]expo.Message
	for len(messages) > size {
		chunks = append(chunks, messages[:size])
		messages = messages[size:]
	}
	if len(messages) > 0 {
		chunks = append(chunks, messages)
	}
	return chunks
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
