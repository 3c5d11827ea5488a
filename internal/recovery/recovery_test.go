package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mysqlbak/transfer/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestWithDeadlineTimesOut(t *testing.T) {
	c := New()
	err := c.WithDeadline(context.Background(), "chunk-ingest", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	require.Equal(t, errs.KindTimeout, errs.Of(err))
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "chunk-ingest", te.Kind)
}

func TestWithDeadlinePassesThroughSuccess(t *testing.T) {
	c := New()
	err := c.WithDeadline(context.Background(), "op", time.Second, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestClassifyDecisionTable(t *testing.T) {
	c := New()

	d := c.Classify(errs.New(errs.KindTimeout, "op", errors.New("x")), true, false)
	require.True(t, d.Retry)

	d = c.Classify(errs.New(errs.KindTimeout, "op", errors.New("x")), false, false)
	require.False(t, d.Retry)

	d = c.Classify(errs.New(errs.KindChecksum, "op", errors.New("x")), false, false)
	require.True(t, d.Retry)

	d = c.Classify(errs.New(errs.KindChecksum, "op", errors.New("x")), false, true)
	require.False(t, d.Retry)

	d = c.Classify(errs.New(errs.KindOrder, "op", errors.New("x")), true, false)
	require.False(t, d.Retry)

	d = c.Classify(errs.New(errs.KindAuth, "op", errors.New("x")), true, false)
	require.False(t, d.Retry)

	d = c.Classify(errs.New(errs.KindStorageFull, "op", errors.New("x")), true, false)
	require.False(t, d.Retry)

	d = c.Classify(errs.New(errs.KindTransport, "op", errors.New("x")), true, false)
	require.True(t, d.Retry)
	require.True(t, d.ResumeCapable)
}

func TestBackoffDoubles(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, Backoff(base, 1))
	require.Equal(t, 2*base, Backoff(base, 2))
	require.Equal(t, 4*base, Backoff(base, 3))
}
