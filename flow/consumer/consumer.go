// Package consumer runs the broker-facing step loop: it decodes
// resumption envelopes, drives one interpreter step, flushes the
// resulting artifacts, and acknowledges the message.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowmach/flowmach/flow"
	"github.com/flowmach/flowmach/flow/broker"
	"github.com/flowmach/flowmach/flow/codec"
	"github.com/flowmach/flowmach/flow/store"
)

// Options configures a Consumer beyond its required collaborators.
type Options struct {
	// Run is passed through to the interpreter (expression engine,
	// executors, secrets, emitter). Sharing one engine across steps
	// reuses compiled expressions.
	Run flow.Options

	// Events receives the CloudEvents-shaped payloads produced by emit
	// tasks. Nil drops them with a warning.
	Events broker.Publisher

	// OnParked is invoked when an instance suspends on a listen task.
	// The host owns the parked envelope: it correlates the awaited
	// event and resumes the instance through ResumeWithEvent. Nil
	// means listen suspensions are dropped.
	OnParked func(ctx context.Context, parked *codec.Message)

	// Metrics records step latency and counts. Nil disables.
	Metrics *flow.Metrics

	// Now supplies the scheduling clock; tests override it.
	Now func() time.Time
}

// Consumer is the runtime's step worker. It is stateless apart from a
// process-local definition cache: every envelope carries everything a
// step needs, so any replica can process any message.
type Consumer struct {
	defs   store.DefinitionStore
	outbox store.OutboxStore
	broker broker.Broker
	log    zerolog.Logger
	opts   Options

	mu     sync.RWMutex
	graphs map[string]*flow.Graph
}

// New creates a consumer over the given stores and transport.
func New(defs store.DefinitionStore, ob store.OutboxStore, b broker.Broker, log zerolog.Logger, opts Options) *Consumer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Consumer{
		defs:   defs,
		outbox: ob,
		broker: b,
		log:    log,
		opts:   opts,
		graphs: map[string]*flow.Graph{},
	}
}

// Run consumes step messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.broker.Consume(ctx, c.Handle)
}

// Handle processes one delivery: malformed envelopes are dropped with
// an Ack (they would never become valid), infrastructure failures Nak
// for redelivery.
func (c *Consumer) Handle(ctx context.Context, d *broker.Delivery) {
	msg, err := codec.Decode(d.Data)
	if err != nil {
		c.log.Error().Err(err).Msg("dropping malformed envelope")
		if aerr := d.Ack(); aerr != nil {
			c.log.Warn().Err(aerr).Msg("ack failed")
		}
		return
	}
	if err := c.step(ctx, msg); err != nil {
		c.log.Error().Err(err).
			Str("instance", msg.ID).
			Str("workflow", msg.Name).
			Str("position", msg.Position).
			Msg("step failed, requesting redelivery")
		if nerr := d.Nak(); nerr != nil {
			c.log.Warn().Err(nerr).Msg("nak failed")
		}
		return
	}
	if aerr := d.Ack(); aerr != nil {
		c.log.Warn().Err(aerr).Msg("ack failed")
	}
}

// step drives one interpreter step and flushes its effects. Returned
// errors are infrastructure failures; workflow-level faults terminate
// the instance and do not bubble up here.
func (c *Consumer) step(ctx context.Context, msg *codec.Message) error {
	g, err := c.graphFor(ctx, msg.Name, msg.Version)
	if err != nil {
		return err
	}
	pos, err := msg.ResumePosition()
	if err != nil {
		return err
	}

	root := msg.States[flow.RootPosition().String()]
	fresh := root == nil || root.TransformedInput == nil

	run := flow.ResumeRun(g, msg.ID, msg.States, pos, c.opts.Run)
	start := c.opts.Now()
	res, err := run.Step(ctx)
	if err != nil {
		return err
	}
	c.opts.Metrics.RecordStep(msg.Name, c.opts.Now().Sub(start), res.Status)
	if fresh {
		c.opts.Metrics.RecordInstanceStarted(msg.Name)
	}

	suspended := &codec.Message{
		ID:          msg.ID,
		Name:        msg.Name,
		Version:     msg.Version,
		Position:    res.Position.String(),
		States:      run.States,
		Correlation: msg.Correlation,
	}

	delayed := false
	for _, a := range res.Artifacts {
		switch art := a.(type) {
		case flow.DelayArtifact:
			if err := c.enqueueDelay(ctx, suspended, art); err != nil {
				return err
			}
			delayed = true
		case flow.SubflowArtifact:
			if err := c.startSubflow(ctx, suspended, art); err != nil {
				return err
			}
			delayed = true
		case flow.EventArtifact:
			c.publishEvent(ctx, msg, art)
		}
	}

	switch res.Status {
	case flow.StatusCompleted:
		c.log.Info().
			Str("instance", msg.ID).
			Str("workflow", msg.Name).
			Msg("workflow completed")
		return c.completeCorrelation(ctx, msg, res.Output, nil)

	case flow.StatusFaulted:
		c.log.Warn().
			Str("instance", msg.ID).
			Str("workflow", msg.Name).
			Str("position", res.Position.String()).
			Str("error", res.Error.Error()).
			Msg("workflow faulted")
		return c.completeCorrelation(ctx, msg, nil, res.Error)

	case flow.StatusWaiting:
		if !delayed && c.opts.OnParked != nil {
			c.opts.OnParked(ctx, suspended)
		}
		return nil
	}
	return nil
}

// enqueueDelay inserts the suspended envelope into the outbox. The row
// id is deterministic, so a redelivered message collapses into the row
// the first delivery created.
func (c *Consumer) enqueueDelay(ctx context.Context, suspended *codec.Message, art flow.DelayArtifact) error {
	data, err := codec.Encode(suspended)
	if err != nil {
		return err
	}
	kind := store.OutboxWait
	if art.Kind == flow.DelayRetry {
		kind = store.OutboxRetry
		c.opts.Metrics.RecordRetry(suspended.Name)
	}
	row := &store.OutboxRow{
		ID:           codec.DelayID(suspended.ID, art.Position, art.Attempt),
		Message:      data,
		DelayedUntil: c.opts.Now().UTC().Add(art.Delay),
	}
	return c.outbox.Enqueue(ctx, kind, row)
}

// startSubflow publishes a fresh envelope for the child workflow, with
// the parent's suspended envelope attached as the correlation. A
// missing child definition is a parent-side configuration fault: the
// parent resumes with the error injected at the waiting node.
func (c *Consumer) startSubflow(ctx context.Context, suspended *codec.Message, art flow.SubflowArtifact) error {
	version := art.Version
	if _, err := c.graphFor(ctx, art.Name, version); err != nil {
		werr := flow.NewConfigurationError(
			fmt.Sprintf("sub-workflow %s@%s: %v", art.Name, version, err))
		return c.resumeWithError(ctx, suspended, art.Position, werr)
	}

	childID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	rootState := &flow.NodeState{}
	rootState.SetRawInput(art.Input)
	child := &codec.Message{
		ID:          childID.String(),
		Name:        art.Name,
		Version:     version,
		Position:    flow.RootPosition().String(),
		States:      map[string]*flow.NodeState{flow.RootPosition().String(): rootState},
		Correlation: suspended,
	}
	data, err := codec.Encode(child)
	if err != nil {
		return err
	}
	c.log.Info().
		Str("instance", suspended.ID).
		Str("child", child.ID).
		Str("workflow", art.Name).
		Msg("starting sub-workflow")
	return c.broker.Publish(ctx, data)
}

// completeCorrelation resumes the parent of a finished child instance:
// the child's output lands as the waiting node's raw output, a fault
// as an injected error.
func (c *Consumer) completeCorrelation(ctx context.Context, msg *codec.Message, output any, werr *flow.Error) error {
	corr := msg.Correlation
	if corr == nil {
		return nil
	}
	if werr != nil {
		pos, err := corr.ResumePosition()
		if err != nil {
			return err
		}
		return c.resumeWithError(ctx, corr, pos, werr)
	}

	st := corr.States[corr.Position]
	if st == nil {
		st = &flow.NodeState{}
		if corr.States == nil {
			corr.States = map[string]*flow.NodeState{}
		}
		corr.States[corr.Position] = st
	}
	st.SetRawOutput(output)
	data, err := codec.Encode(corr)
	if err != nil {
		return err
	}
	return c.broker.Publish(ctx, data)
}

// resumeWithError republishes an envelope with a workflow error bound
// at the given position, to be raised on the next step.
func (c *Consumer) resumeWithError(ctx context.Context, envelope *codec.Message, pos flow.Position, werr *flow.Error) error {
	key := pos.String()
	st := envelope.States[key]
	if st == nil {
		st = &flow.NodeState{}
		if envelope.States == nil {
			envelope.States = map[string]*flow.NodeState{}
		}
		envelope.States[key] = st
	}
	st.SetVar(flow.SubflowErrorVar, werr.AsObject())
	data, err := codec.Encode(envelope)
	if err != nil {
		return err
	}
	return c.broker.Publish(ctx, data)
}

// publishEvent forwards an emitted event to the events publisher.
func (c *Consumer) publishEvent(ctx context.Context, msg *codec.Message, art flow.EventArtifact) {
	if c.opts.Events == nil {
		c.log.Warn().Str("instance", msg.ID).Msg("no events publisher, dropping emitted event")
		return
	}
	data, err := json.Marshal(art.Event)
	if err != nil {
		c.log.Error().Err(err).Str("instance", msg.ID).Msg("encode emitted event")
		return
	}
	if err := c.opts.Events.Publish(ctx, data); err != nil {
		c.log.Error().Err(err).Str("instance", msg.ID).Msg("publish emitted event")
	}
}

// graphFor compiles (or returns the cached) graph for a definition
// version. Definitions are immutable per version, so the cache never
// invalidates.
func (c *Consumer) graphFor(ctx context.Context, name, version string) (*flow.Graph, error) {
	key := name + "@" + version
	c.mu.RLock()
	g := c.graphs[key]
	c.mu.RUnlock()
	if g != nil {
		return g, nil
	}

	def, err := c.defs.FindByNameAndVersion(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", key, err)
	}
	wf, err := flow.ParseWorkflow(def.Document)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", key, err)
	}
	g, err = flow.Compile(wf)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", key, err)
	}

	c.mu.Lock()
	c.graphs[key] = g
	c.mu.Unlock()
	return g, nil
}

// StartWorkflow publishes the initial envelope for a new instance and
// returns its id.
func (c *Consumer) StartWorkflow(ctx context.Context, name, version string, input any) (string, error) {
	if _, err := c.graphFor(ctx, name, version); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	rootState := &flow.NodeState{}
	rootState.SetRawInput(input)
	msg := &codec.Message{
		ID:       id.String(),
		Name:     name,
		Version:  version,
		Position: flow.RootPosition().String(),
		States:   map[string]*flow.NodeState{flow.RootPosition().String(): rootState},
	}
	data, err := codec.Encode(msg)
	if err != nil {
		return "", err
	}
	if err := c.broker.Publish(ctx, data); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// ResumeWithEvent resumes an instance parked on a listen task: the
// event becomes the waiting node's raw output and the envelope goes
// back on the step subject.
func (c *Consumer) ResumeWithEvent(ctx context.Context, parked *codec.Message, event map[string]any) error {
	st := parked.States[parked.Position]
	if st == nil {
		st = &flow.NodeState{}
		if parked.States == nil {
			parked.States = map[string]*flow.NodeState{}
		}
		parked.States[parked.Position] = st
	}
	st.SetRawOutput(event)
	data, err := codec.Encode(parked)
	if err != nil {
		return err
	}
	return c.broker.Publish(ctx, data)
}
