package aggregate

import "sync/atomic"

// counter is a minimal aggregate used by the package tests

type counter struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
	Deleted bool   `json:"deleted"`
	Owner   string `json:"owner"`
	Value   int    `json:"value"`
}

func (c *counter) Exists() bool { return c.Created }
func (c *counter) IsDeleted() bool { return c.Deleted }

type createCounter struct{ Owner string }

func (createCounter) CommandName() string { return "CreateCounter" }
func (createCounter) CreatesAggregate()   {}

type increment struct{ By int }

func (increment) CommandName() string { return "Increment" }

type deleteCounter struct{}

func (deleteCounter) CommandName() string { return "DeleteCounter" }

type touch struct{}

func (touch) CommandName() string { return "Touch" }

type counterCreated struct {
	Owner string `json:"owner"`
}

func (*counterCreated) EventName() string { return "CounterCreated" }

type incremented struct {
	By int `json:"by"`
}

func (*incremented) EventName() string { return "Incremented" }
func (*incremented) EventVersion() int { return 2 }

type counterDeleted struct{}

func (*counterDeleted) EventName() string { return "CounterDeleted" }

type counterDef struct {
	codec   *Codec
	applied atomic.Int64
}

func newCounterDef() *counterDef {
	return &counterDef{
		codec: NewCodec("counter").Register(
			func() Event { return &counterCreated{} },
			func() Event { return &incremented{} },
			func() Event { return &counterDeleted{} },
		),
	}
}

func (d *counterDef) Type() string { return "counter" }
func (d *counterDef) Codec() *Codec { return d.codec }
func (d *counterDef) New(id string) *counter {
	return &counter{ID: id}
}

func (d *counterDef) ApplyCommand(state *counter, cmd Command, agent Agent) (Event, error) {
	switch c := cmd.(type) {
	case createCounter:
		return &counterCreated{Owner: c.Owner}, nil
	case increment:
		return &incremented{By: c.By}, nil
	case deleteCounter:
		return &counterDeleted{}, nil
	case touch:
		return nil, nil
	default:
		UnknownCommand(d.Type(), cmd)
		return nil, nil
	}
}

func (d *counterDef) ApplyEvent(state *counter, evt Event, meta EventMetadata) *counter {
	d.applied.Add(1)
	switch e := evt.(type) {
	case *counterCreated:
		state.Created = true
		state.Owner = e.Owner
	case *incremented:
		state.Value += e.By
	case *counterDeleted:
		state.Deleted = true
	default:
		UnknownEvent(d.Type(), evt)
	}
	return state
}

func (d *counterDef) Anonymize(state *counter) *counter {
	state.Owner = ""
	return state
}
