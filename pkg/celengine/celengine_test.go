package celengine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalBoolExpression(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	ok, err := eng.Eval(`event.count >= 3`, map[string]any{
		"account":  map[string]any{},
		"progress": map[string]any{},
		"event":    map[string]any{"count": 5},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalEmptyExpressionAlwaysEligible(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	ok, err := eng.Eval("", nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalRejectsNonBool(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	_, err = eng.Eval(`event.count`, map[string]any{
		"account":  map[string]any{},
		"progress": map[string]any{},
		"event":    map[string]any{"count": 5},
	})
	require.Error(t, err)
}

func TestEvalConcurrentDistinctExpressions(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			expr := fmt.Sprintf(`event.count >= %d`, n)
			for j := 0; j < 10; j++ {
				ok, err := eng.Eval(expr, map[string]any{
					"account":  map[string]any{},
					"progress": map[string]any{},
					"event":    map[string]any{"count": 100},
				})
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					errs <- fmt.Errorf("expression %q evaluated false", expr)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
