package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/example/eventcore/internal/platform/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Result is the outcome of a dispatched command
type Result[S Lifecycle] struct {
	State    S
	Version  int
	Event    Event
	Metadata EventMetadata
}

// Service loads, changes and persists aggregates of one type
type Service[S Lifecycle] struct {
	def    Definition[S]
	events store.EventStoreInterface
	log    *logger.Logger
	now    func() time.Time
}

func NewService[S Lifecycle](def Definition[S], events store.EventStoreInterface, log *logger.Logger) *Service[S] {
	if log == nil {
		log = logger.Nop()
	}
	return &Service[S]{
		def:    def,
		events: events,
		log:    log.With("component", "aggregate", "aggregate_type", def.Type()),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service[S]) Type() string {
	return s.def.Type()
}

// Dispatch applies cmd if the aggregate is still at expectedVersion.
// A stale version fails with store.ErrVersionConflict before anything is
// written; a concurrent writer winning the append fails the same way.
func (s *Service[S]) Dispatch(ctx context.Context, id string, expectedVersion int, agent Agent, cmd Command) (Result[S], error) {
	return s.dispatch(ctx, id, &expectedVersion, agent, cmd)
}

// DispatchToLatest applies cmd on top of whatever version is current
func (s *Service[S]) DispatchToLatest(ctx context.Context, id string, agent Agent, cmd Command) (Result[S], error) {
	return s.dispatch(ctx, id, nil, agent, cmd)
}

func (s *Service[S]) dispatch(ctx context.Context, id string, expected *int, agent Agent, cmd Command) (res Result[S], err error) {
	ctx, done := tracing.TrackOperation(ctx, "aggregate.dispatch",
		attribute.String("aggregate.type", s.def.Type()),
		attribute.String("aggregate.id", id),
		attribute.String("command", cmd.CommandName()),
	)
	defer func() { done(err) }()

	state, version, err := s.load(ctx, id, 0)
	if err != nil {
		return res, err
	}
	if expected != nil && *expected != version {
		return res, fmt.Errorf("%w: %s/%s expected %d, current %d",
			store.ErrVersionConflict, s.def.Type(), id, *expected, version)
	}
	if err := Guard(state, cmd); err != nil {
		return res, err
	}

	evt, err := s.def.ApplyCommand(state, cmd, agent)
	if err != nil {
		return res, err
	}
	if evt == nil {
		return Result[S]{State: state, Version: version}, nil
	}

	data, err := s.def.Codec().Encode(evt)
	if err != nil {
		return res, err
	}
	meta := EventMetadata{
		AggregateID:      id,
		AggregateType:    s.def.Type(),
		AggregateVersion: version + 1,
		EventName:        evt.EventName(),
		EventVersion:     EventVersionOf(evt),
		Agent:            agent,
		Timestamp:        s.now(),
	}
	next := s.def.ApplyEvent(state, evt, meta)

	payload, err := json.Marshal(Envelope{Metadata: meta, Event: data})
	if err != nil {
		return res, fmt.Errorf("encode envelope: %w", err)
	}
	batch := store.AppendBatch{
		AggregateType:   s.def.Type(),
		AggregateID:     id,
		ExpectedVersion: version,
		Events:          []store.Event{s.record(meta, data)},
		Outbox:          []store.OutboxEntry{store.NewOutboxEntry(s.def.Type(), store.RoutingKey(meta.EventName), id, payload)},
	}
	finalVersion := meta.AggregateVersion
	if store.IsSnapshotDue(meta.AggregateVersion) {
		snap, err := s.snapshotRecord(id, meta.AggregateVersion+1, agent, next)
		if err != nil {
			return res, err
		}
		batch.Events = append(batch.Events, snap)
		finalVersion = snap.Version
	}

	if err := s.events.Append(ctx, batch); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			s.log.Debug("append lost race", "aggregate_id", id, "version", version+1)
		}
		return res, fmt.Errorf("append %s/%s: %w", s.def.Type(), id, err)
	}

	return Result[S]{State: next, Version: finalVersion, Event: evt, Metadata: meta}, nil
}

// Get returns the current state and version. ErrNotFound when nothing was
// ever written.
func (s *Service[S]) Get(ctx context.Context, id string) (S, int, error) {
	state, version, err := s.load(ctx, id, 0)
	if err != nil {
		return state, 0, err
	}
	if version == 0 {
		return state, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, s.def.Type(), id)
	}
	return state, version, nil
}

// GetAtVersion rebuilds the state as of version
func (s *Service[S]) GetAtVersion(ctx context.Context, id string, version int) (S, error) {
	var zero S
	if version <= 0 {
		return zero, fmt.Errorf("%w: %s/%s at version %d", ErrNotFound, s.def.Type(), id, version)
	}
	state, loaded, err := s.load(ctx, id, version)
	if err != nil {
		return zero, err
	}
	if loaded == 0 {
		return zero, fmt.Errorf("%w: %s/%s at version %d", ErrNotFound, s.def.Type(), id, version)
	}
	return state, nil
}

// CollapseEvents replaces the aggregate's whole history with one snapshot of
// its (anonymized) final state at the next version and announces it with a
// Collapsed event. The rewrite is audited through the log.
func (s *Service[S]) CollapseEvents(ctx context.Context, id string, agent Agent) (res Result[S], err error) {
	ctx, done := tracing.TrackOperation(ctx, "aggregate.collapse",
		attribute.String("aggregate.type", s.def.Type()),
		attribute.String("aggregate.id", id),
	)
	defer func() { done(err) }()

	state, version, err := s.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if anon, ok := s.def.(Anonymizer[S]); ok {
		state = anon.Anonymize(state)
	}

	snap, err := s.snapshotRecord(id, version+1, agent, state)
	if err != nil {
		return res, err
	}
	meta := MetadataFromRecord(snap)
	meta.EventName = CollapsedEventName
	payload, err := json.Marshal(Envelope{Metadata: meta, Event: snap.Data})
	if err != nil {
		return res, fmt.Errorf("encode envelope: %w", err)
	}
	entry := store.NewOutboxEntry(s.def.Type(), store.RoutingKey(CollapsedEventName), id, payload)

	if err := s.events.ReplaceHistory(ctx, version, snap, []store.OutboxEntry{entry}); err != nil {
		return res, fmt.Errorf("collapse %s/%s: %w", s.def.Type(), id, err)
	}

	s.log.Info("aggregate history collapsed",
		"aggregate_id", id,
		"discarded_versions", version,
		"version", snap.Version,
		"agent_id", agent.ID,
		"agent_type", agent.Type,
	)
	return Result[S]{State: state, Version: snap.Version, Metadata: meta}, nil
}

// load rebuilds state from the newest snapshot at or below maxVersion plus
// the events after it. maxVersion <= 0 loads the latest state.
func (s *Service[S]) load(ctx context.Context, id string, maxVersion int) (S, int, error) {
	state := s.def.New(id)
	version := 0

	snap, err := s.events.GetSnapshot(ctx, s.def.Type(), id, maxVersion)
	if err != nil {
		return state, 0, fmt.Errorf("load snapshot %s/%s: %w", s.def.Type(), id, err)
	}
	if snap != nil {
		if err := json.Unmarshal(snap.Data, &state); err != nil {
			return state, 0, fmt.Errorf("decode snapshot %s/%s@%d: %w", s.def.Type(), id, snap.Version, err)
		}
		version = snap.Version
	}

	records, err := s.events.GetEventsFromVersion(ctx, s.def.Type(), id, version, maxVersion)
	if err != nil {
		return state, 0, fmt.Errorf("load events %s/%s: %w", s.def.Type(), id, err)
	}
	for _, rec := range records {
		evt, err := s.def.Codec().Decode(rec.EventType, rec.Data)
		if err != nil {
			return state, 0, fmt.Errorf("replay %s/%s@%d: %w", s.def.Type(), id, rec.Version, err)
		}
		state = s.def.ApplyEvent(state, evt, MetadataFromRecord(rec))
		version = rec.Version
	}
	return state, version, nil
}

func (s *Service[S]) record(meta EventMetadata, data json.RawMessage) store.Event {
	return store.Event{
		ID:            uuid.New().String(),
		AggregateID:   meta.AggregateID,
		AggregateType: meta.AggregateType,
		EventType:     meta.EventName,
		EventVersion:  meta.EventVersion,
		Data:          data,
		AgentID:       meta.Agent.ID,
		AgentType:     string(meta.Agent.Type),
		Timestamp:     meta.Timestamp,
		Version:       meta.AggregateVersion,
		IsSnapshot:    meta.IsSnapshot,
	}
}

func (s *Service[S]) snapshotRecord(id string, version int, agent Agent, state S) (store.Event, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return store.Event{}, fmt.Errorf("encode snapshot %s/%s: %w", s.def.Type(), id, err)
	}
	return s.record(EventMetadata{
		AggregateID:      id,
		AggregateType:    s.def.Type(),
		AggregateVersion: version,
		EventName:        store.SnapshotEventName,
		EventVersion:     1,
		Agent:            agent,
		Timestamp:        s.now(),
		IsSnapshot:       true,
	}, data), nil
}
