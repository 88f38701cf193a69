package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownEvent = errors.New("unknown event")

// Codec maps event names of one aggregate type to their Go types
type Codec struct {
	aggregateType string
	factories     map[string]func() Event
}

func NewCodec(aggregateType string) *Codec {
	return &Codec{
		aggregateType: aggregateType,
		factories:     make(map[string]func() Event),
	}
}

// Register adds event types. Each factory must return a new pointer.
func (c *Codec) Register(factories ...func() Event) *Codec {
	for _, f := range factories {
		name := f().EventName()
		if _, dup := c.factories[name]; dup {
			panic(fmt.Sprintf("codec %s: event %q registered twice", c.aggregateType, name))
		}
		c.factories[name] = f
	}
	return c
}

func (c *Codec) AggregateType() string {
	return c.aggregateType
}

// Names returns the registered event names in sorted order
func (c *Codec) Names() []string {
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Codec) Encode(e Event) (json.RawMessage, error) {
	if _, ok := c.factories[e.EventName()]; !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEvent, c.aggregateType, e.EventName())
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventName(), err)
	}
	return data, nil
}

func (c *Codec) Decode(name string, data json.RawMessage) (Event, error) {
	f, ok := c.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEvent, c.aggregateType, name)
	}
	e := f()
	if len(data) > 0 {
		if err := json.Unmarshal(data, e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return e, nil
}
