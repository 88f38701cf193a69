package aggregate

import (
	"context"
	"fmt"
	"testing"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestReplayDeterminism checks that snapshot plus replay yields the same
// state as applying the same commands in memory.
func TestReplayDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	parameters.MaxSize = 250
	properties := gopter.NewProperties(parameters)

	properties.Property("loaded state equals sequential application", prop.ForAll(
		func(steps []int) bool {
			def := newCounterDef()
			svc := NewService[*counter](def, store.NewEventStore(nil), logger.Nop())
			ctx := context.Background()

			expected := &counter{ID: "c-1"}
			res, err := svc.DispatchToLatest(ctx, "c-1", System(), createCounter{Owner: "p"})
			if err != nil {
				return false
			}
			expected = def.ApplyEvent(expected, &counterCreated{Owner: "p"}, EventMetadata{})
			version := res.Version

			for _, by := range steps {
				res, err = svc.Dispatch(ctx, "c-1", version, System(), increment{By: by})
				if err != nil {
					return false
				}
				expected = def.ApplyEvent(expected, &incremented{By: by}, EventMetadata{})
				version = res.Version
			}

			loaded, loadedVersion, err := svc.Get(ctx, "c-1")
			if err != nil {
				return false
			}
			return loadedVersion == version && fmt.Sprint(*loaded) == fmt.Sprint(*expected)
		},
		gen.SliceOf(gen.IntRange(-10, 10)),
	))

	properties.TestingRun(t)
}
