package queue

import (
	"context"
	"errors"
	"os"
	"testing"

	"pdfqueue/config"
	"pdfqueue/logging"
	"pdfqueue/task"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	got string
	err error
}

func (s *stubProcessor) Process(_ context.Context, id string) error {
	s.got = id
	return s.err
}

func TestHandleCompress(t *testing.T) {
	ctx := context.Background()

	t.Run("passes the task id through", func(t *testing.T) {
		proc := &stubProcessor{}
		a := &Asynq{proc: proc, logger: logging.Discard()}

		err := a.handleCompress(ctx, asynq.NewTask(TypeCompress, []byte(`{"taskId":"abc"}`)))
		require.NoError(t, err)
		assert.Equal(t, "abc", proc.got)
	})

	t.Run("bad payload is not retried", func(t *testing.T) {
		a := &Asynq{proc: &stubProcessor{}, logger: logging.Discard()}

		err := a.handleCompress(ctx, asynq.NewTask(TypeCompress, []byte(`not json`)))
		assert.ErrorIs(t, err, asynq.SkipRetry)

		err = a.handleCompress(ctx, asynq.NewTask(TypeCompress, []byte(`{}`)))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("unknown task is not retried", func(t *testing.T) {
		a := &Asynq{proc: &stubProcessor{err: task.ErrNotFound}, logger: logging.Discard()}

		err := a.handleCompress(ctx, asynq.NewTask(TypeCompress, []byte(`{"taskId":"gone"}`)))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("store errors are retried", func(t *testing.T) {
		boom := errors.New("database is locked")
		a := &Asynq{proc: &stubProcessor{err: boom}, logger: logging.Discard()}

		err := a.handleCompress(ctx, asynq.NewTask(TypeCompress, []byte(`{"taskId":"x"}`)))
		assert.ErrorIs(t, err, boom)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	})
}

// TestAsynqEnqueueDuplicate needs a Redis server; set PDFQUEUE_TEST_REDIS_URL to run it.
func TestAsynqEnqueueDuplicate(t *testing.T) {
	url := os.Getenv("PDFQUEUE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PDFQUEUE_TEST_REDIS_URL not set")
	}

	a, err := NewAsynq(&config.Config{RedisURL: url, QueueMaxRetry: 1}, nil, logging.Discard())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	id := uuid.NewString()
	require.NoError(t, a.Enqueue(context.Background(), id))
	assert.ErrorIs(t, a.Enqueue(context.Background(), id), task.ErrDuplicate)
}
