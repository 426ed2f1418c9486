package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmach/flowmach/flow"
	"github.com/flowmach/flowmach/flow/broker"
	"github.com/flowmach/flowmach/flow/codec"
	"github.com/flowmach/flowmach/flow/store"
)

// queueBroker is a deterministic in-test broker: published envelopes
// land in a slice the test drains synchronously.
type queueBroker struct {
	queue [][]byte
}

func (b *queueBroker) Publish(ctx context.Context, data []byte) error {
	dup := make([]byte, len(data))
	copy(dup, data)
	b.queue = append(b.queue, dup)
	return nil
}

func (b *queueBroker) Consume(ctx context.Context, handler broker.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

// capturePublisher collects emitted events.
type capturePublisher struct {
	events []map[string]any
}

func (p *capturePublisher) Publish(ctx context.Context, data []byte) error {
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}
	p.events = append(p.events, event)
	return nil
}

type harness struct {
	defs     *store.MemoryDefinitionStore
	outbox   *store.MemoryOutboxStore
	broker   *queueBroker
	events   *capturePublisher
	consumer *Consumer
	parked   []*codec.Message
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		defs:   store.NewMemoryDefinitionStore(),
		outbox: store.NewMemoryOutboxStore(),
		broker: &queueBroker{},
		events: &capturePublisher{},
	}
	h.consumer = New(h.defs, h.outbox, h.broker, zerolog.Nop(), Options{
		Events: h.events,
		OnParked: func(ctx context.Context, parked *codec.Message) {
			h.parked = append(h.parked, parked)
		},
	})
	return h
}

func (h *harness) define(t *testing.T, name, version, document string) {
	t.Helper()
	err := h.defs.Save(context.Background(), &store.Definition{
		Name:     name,
		Version:  version,
		Document: []byte(document),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// drain processes queued envelopes until the broker is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for steps := 0; len(h.broker.queue) > 0; steps++ {
		if steps > 100 {
			t.Fatal("broker queue did not drain")
		}
		data := h.broker.queue[0]
		h.broker.queue = h.broker.queue[1:]
		h.consumer.Handle(ctx, &broker.Delivery{
			Data: data,
			Ack:  func() error { return nil },
			Nak: func() error {
				h.broker.queue = append(h.broker.queue, data)
				return nil
			},
		})
	}
}

const announceWorkflow = `
document:
  name: announcer
  version: '1.0'
do:
  - compute:
      set:
        result: '${ .n * 2 }'
  - announce:
      emit:
        event:
          with:
            type: com.example.result
            data: '${ .result }'
`

func TestConsumerRunsWorkflowToCompletion(t *testing.T) {
	h := newHarness(t)
	h.define(t, "announcer", "1.0", announceWorkflow)

	id, err := h.consumer.StartWorkflow(context.Background(), "announcer", "1.0", map[string]any{"n": 21})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("StartWorkflow returned an empty id")
	}
	h.drain(t)

	if len(h.events.events) != 1 {
		t.Fatalf("events = %v", h.events.events)
	}
	event := h.events.events[0]
	if event["type"] != "com.example.result" || event["data"] != 42.0 {
		t.Errorf("event = %v", event)
	}
}

func TestStartWorkflowUnknownDefinition(t *testing.T) {
	h := newHarness(t)
	if _, err := h.consumer.StartWorkflow(context.Background(), "ghost", "1.0", nil); err == nil {
		t.Fatal("expected an error for an unknown definition")
	}
}

func TestConsumerDropsMalformedEnvelope(t *testing.T) {
	h := newHarness(t)
	acked := false
	h.consumer.Handle(context.Background(), &broker.Delivery{
		Data: []byte("not an envelope"),
		Ack:  func() error { acked = true; return nil },
		Nak:  func() error { t.Error("malformed envelopes must not be redelivered"); return nil },
	})
	if !acked {
		t.Error("malformed envelope should be acked away")
	}
}

func TestConsumerWaitGoesThroughOutbox(t *testing.T) {
	h := newHarness(t)
	h.define(t, "sleeper", "1.0", `
document:
  name: sleeper
  version: '1.0'
do:
  - prep:
      set:
        v: a
  - pause:
      wait: PT30S
  - announce:
      emit:
        event:
          with:
            type: com.example.awake
            data: '${ .v + "b" }'
`)

	if _, err := h.consumer.StartWorkflow(context.Background(), "sleeper", "1.0", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if len(h.events.events) != 0 {
		t.Fatalf("workflow finished before the delay elapsed: %v", h.events.events)
	}

	// The suspension landed in the wait outbox; releasing it republishes
	// the envelope and the workflow finishes.
	ctx := context.Background()
	due := time.Now().UTC().Add(time.Minute)
	n, err := h.outbox.ProcessBatch(ctx, store.OutboxWait, store.BatchOptions{Now: due, Limit: 10},
		func(ctx context.Context, row *store.OutboxRow) error {
			return h.broker.Publish(ctx, row.Message)
		})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("outbox rows = %d, want 1", n)
	}
	h.drain(t)

	if len(h.events.events) != 1 || h.events.events[0]["data"] != "ab" {
		t.Errorf("events = %v", h.events.events)
	}
}

func TestConsumerWaitEnqueueIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.define(t, "sleeper", "1.0", `
document:
  name: sleeper
  version: '1.0'
do:
  - pause:
      wait: PT30S
`)

	if _, err := h.consumer.StartWorkflow(context.Background(), "sleeper", "1.0", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	// Deliver the start envelope twice, as an at-least-once broker may.
	start := h.broker.queue[0]
	h.drain(t)
	h.broker.queue = append(h.broker.queue, start)
	h.drain(t)

	ctx := context.Background()
	n, err := h.outbox.ProcessBatch(ctx, store.OutboxWait,
		store.BatchOptions{Now: time.Now().UTC().Add(time.Minute), Limit: 10},
		func(ctx context.Context, row *store.OutboxRow) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("duplicate delivery produced %d outbox rows, want 1", n)
	}
}

func TestConsumerWaitInsideLoopResumesEachIteration(t *testing.T) {
	h := newHarness(t)
	h.define(t, "dripper", "1.0", `
document:
  name: dripper
  version: '1.0'
do:
  - each:
      for:
        each: item
        in: '${ .items }'
      do:
        - pause:
            wait: PT1S
  - announce:
      emit:
        event:
          with:
            type: com.example.drained
`)

	if _, err := h.consumer.StartWorkflow(context.Background(), "dripper", "1.0", map[string]any{"items": []any{1, 2}}); err != nil {
		t.Fatal(err)
	}

	// Pump: drain the broker, release due outbox rows, repeat. Each loop
	// iteration must land its own outbox row; a colliding id would no-op
	// against the previous iteration's SENT row and strand the instance.
	ctx := context.Background()
	due := time.Now().UTC().Add(time.Hour)
	published := 0
	for i := 0; ; i++ {
		if i > 10 {
			t.Fatal("workflow did not finish")
		}
		h.drain(t)
		n, err := h.outbox.ProcessBatch(ctx, store.OutboxWait, store.BatchOptions{Now: due, Limit: 10},
			func(ctx context.Context, row *store.OutboxRow) error {
				return h.broker.Publish(ctx, row.Message)
			})
		if err != nil {
			t.Fatal(err)
		}
		published += n
		if n == 0 && len(h.broker.queue) == 0 {
			break
		}
	}

	if published != 2 {
		t.Errorf("outbox published %d rows, want one per loop iteration", published)
	}
	if len(h.events.events) != 1 || h.events.events[0]["type"] != "com.example.drained" {
		t.Errorf("events = %v", h.events.events)
	}
}

func TestConsumerSubWorkflowCorrelation(t *testing.T) {
	h := newHarness(t)
	h.define(t, "doubler", "1.0", `
document:
  name: doubler
  version: '1.0'
do:
  - double:
      set:
        value: '${ . * 2 }'
      output:
        as: '${ .value }'
`)
	h.define(t, "parent", "1.0", `
document:
  name: parent
  version: '1.0'
do:
  - delegate:
      run:
        workflow:
          name: doubler
          version: '1.0'
          input: '${ .n }'
  - announce:
      emit:
        event:
          with:
            type: com.example.doubled
            data: '${ . }'
`)

	if _, err := h.consumer.StartWorkflow(context.Background(), "parent", "1.0", map[string]any{"n": 7}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if len(h.events.events) != 1 {
		t.Fatalf("events = %v", h.events.events)
	}
	if h.events.events[0]["data"] != 14.0 {
		t.Errorf("event = %v", h.events.events[0])
	}
	if len(h.parked) != 0 {
		t.Errorf("nothing should park: %v", h.parked)
	}
}

func TestConsumerRecursiveSubWorkflow(t *testing.T) {
	h := newHarness(t)
	h.define(t, "fact", "1.0", `
document:
  name: fact
  version: '1.0'
do:
  - check:
      switch:
        - base: { when: '${ .n <= 1 }', then: unit }
        - recurse: { then: descend }
  - unit:
      set:
        n: 1
      then: end
  - descend:
      run:
        workflow:
          name: fact
          version: '1.0'
          input: '${ {n: (.n - 1)} }'
      output:
        as: '${ {n: (.n * $input.n)} }'
`)
	h.define(t, "fact5", "1.0", `
document:
  name: fact5
  version: '1.0'
do:
  - compute:
      run:
        workflow:
          name: fact
          version: '1.0'
  - announce:
      emit:
        event:
          with:
            type: com.example.factorial
            data: '${ .n }'
`)

	if _, err := h.consumer.StartWorkflow(context.Background(), "fact5", "1.0", map[string]any{"n": 5}); err != nil {
		t.Fatal(err)
	}

	// Drain by hand so deliveries can be counted: each recursion level
	// is one child start envelope and one return envelope to its parent.
	ctx := context.Background()
	deliveries := 0
	for steps := 0; len(h.broker.queue) > 0; steps++ {
		if steps > 50 {
			t.Fatal("recursion did not settle")
		}
		data := h.broker.queue[0]
		h.broker.queue = h.broker.queue[1:]
		deliveries++
		h.consumer.Handle(ctx, &broker.Delivery{
			Data: data,
			Ack:  func() error { return nil },
			Nak:  func() error { t.Error("unexpected redelivery"); return nil },
		})
	}

	// The wrapper's start and resume, five fact starts, and four returns
	// up the fact chain.
	if deliveries != 11 {
		t.Errorf("deliveries = %d, want 11", deliveries)
	}
	if len(h.events.events) != 1 {
		t.Fatalf("events = %v", h.events.events)
	}
	if h.events.events[0]["data"] != 120.0 {
		t.Errorf("event = %v", h.events.events[0])
	}
}

func TestConsumerSubWorkflowFaultPropagates(t *testing.T) {
	h := newHarness(t)
	h.define(t, "exploder", "1.0", `
document:
  name: exploder
  version: '1.0'
do:
  - boom:
      raise:
        error:
          type: https://serverlessworkflow.io/spec/1.0.0/errors/communication
          status: 502
          title: Downstream Broken
`)
	h.define(t, "parent", "1.0", `
document:
  name: parent
  version: '1.0'
do:
  - guarded:
      try:
        - delegate:
            run:
              workflow:
                name: exploder
                version: '1.0'
      catch:
        as: fault
        do:
          - announce:
              emit:
                event:
                  with:
                    type: com.example.recovered
                    status: '${ $fault.status }'
`)

	if _, err := h.consumer.StartWorkflow(context.Background(), "parent", "1.0", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if len(h.events.events) != 1 {
		t.Fatalf("events = %v", h.events.events)
	}
	if h.events.events[0]["status"] != 502.0 {
		t.Errorf("event = %v", h.events.events[0])
	}
}

func TestConsumerMissingSubWorkflowFaultsParent(t *testing.T) {
	h := newHarness(t)
	h.define(t, "parent", "1.0", `
document:
  name: parent
  version: '1.0'
do:
  - guarded:
      try:
        - delegate:
            run:
              workflow:
                name: ghost
                version: '9.9'
      catch:
        as: fault
        do:
          - announce:
              emit:
                event:
                  with:
                    type: com.example.missing
                    errorType: '${ $fault.type }'
`)

	if _, err := h.consumer.StartWorkflow(context.Background(), "parent", "1.0", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if len(h.events.events) != 1 {
		t.Fatalf("events = %v", h.events.events)
	}
	if h.events.events[0]["errorType"] != flow.ErrTypeConfiguration {
		t.Errorf("event = %v", h.events.events[0])
	}
}

func TestConsumerListenParksAndResumes(t *testing.T) {
	h := newHarness(t)
	h.define(t, "listener", "1.0", `
document:
  name: listener
  version: '1.0'
do:
  - await:
      listen:
        to:
          one:
            with:
              type: com.example.signal
  - announce:
      emit:
        event:
          with:
            type: com.example.received
            data: '${ .payload }'
`)

	if _, err := h.consumer.StartWorkflow(context.Background(), "listener", "1.0", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if len(h.parked) != 1 {
		t.Fatalf("parked = %d, want 1", len(h.parked))
	}
	parked := h.parked[0]
	if parked.Position != "/do/0/await" {
		t.Errorf("parked position = %s", parked.Position)
	}

	event := map[string]any{"type": "com.example.signal", "payload": "hello"}
	if err := h.consumer.ResumeWithEvent(context.Background(), parked, event); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if len(h.events.events) != 1 || h.events.events[0]["data"] != "hello" {
		t.Errorf("events = %v", h.events.events)
	}
}

func TestConsumerFaultedWorkflowDoesNotRequeue(t *testing.T) {
	h := newHarness(t)
	h.define(t, "broken", "1.0", `
document:
  name: broken
  version: '1.0'
do:
  - boom:
      raise:
        error:
          type: https://serverlessworkflow.io/spec/1.0.0/errors/runtime
          status: 500
          title: Boom
`)
	if _, err := h.consumer.StartWorkflow(context.Background(), "broken", "1.0", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	// A workflow-level fault is terminal: no redelivery, no outbox row.
	if len(h.broker.queue) != 0 {
		t.Errorf("queue = %d", len(h.broker.queue))
	}
	n, err := h.outbox.ProcessBatch(context.Background(), store.OutboxRetry,
		store.BatchOptions{Now: time.Now().UTC().Add(time.Hour), Limit: 10},
		func(ctx context.Context, row *store.OutboxRow) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("retry outbox rows = %d, want 0", n)
	}
}
