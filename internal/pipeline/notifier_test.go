package pipeline

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/testutil"
)

func TestKafkaNotifierPublishesEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var e Event
		if err := gojson.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.RunID != runID || e.Stage != StageTransform || e.Status != StatusFailed {
			return fmt.Errorf("unexpected event %+v", e)
		}
		return nil
	})
	n := NewKafkaNotifierWithProducer(producer, "brewery-pipeline-events")

	err := n.Notify(testutil.TestContext(t), Event{
		RunID:      runID,
		Stage:      StageTransform,
		Status:     StatusFailed,
		FinishedAt: time.Now(),
		ErrorType:  string(errors.ErrorTypeNoInputData),
	})
	require.NoError(t, err)
	require.NoError(t, n.Close())
}

func TestKafkaNotifierSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	n := NewKafkaNotifierWithProducer(producer, "brewery-pipeline-events")

	err := n.Notify(testutil.TestContext(t), Event{RunID: runID, Stage: StageIngest, Status: StatusSucceeded})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, n.Close())
}

func TestKafkaConfig(t *testing.T) {
	cfg := KafkaConfig()
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.NoError(t, cfg.Validate())
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(testutil.TestLogger(t))
	ctx := testutil.TestContext(t)
	assert.NoError(t, n.Notify(ctx, Event{RunID: runID, Stage: StageIngest, Status: StatusSucceeded}))
	assert.NoError(t, n.Notify(ctx, Event{RunID: runID, Stage: StageIngest, Status: StatusFailed, Error: "boom"}))
	assert.NoError(t, n.Close())
}

func TestMemoryLocker(t *testing.T) {
	ctx := testutil.TestContext(t)
	l := NewMemoryLocker()

	release, err := l.Acquire(ctx, runID)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, runID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	other, err := l.Acquire(ctx, "2024-06-02")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Acquire(ctx, runID)
	require.NoError(t, err)
	again()
}

func TestMemoryLedgerHistory(t *testing.T) {
	ctx := testutil.TestContext(t)
	l := NewMemoryLedger()
	require.NoError(t, l.Record(ctx, StageRecord{RunID: runID, Stage: StageIngest, Status: StatusStarted}))
	require.NoError(t, l.Record(ctx, StageRecord{RunID: "other", Stage: StageIngest, Status: StatusStarted}))
	require.NoError(t, l.Record(ctx, StageRecord{RunID: runID, Stage: StageIngest, Status: StatusSucceeded}))

	history, err := l.History(ctx, runID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusSucceeded, history[1].Status)
}

// postgresPool connects to BREWERIES_TEST_POSTGRES_DSN or skips the test.
func postgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("BREWERIES_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BREWERIES_TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(testutil.TestContext(t), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresLocker(t *testing.T) {
	pool := postgresPool(t)
	ctx := testutil.TestContext(t)
	id := fmt.Sprintf("locker-test-%d", time.Now().UnixNano())

	a := NewPostgresLocker(pool)
	release, err := a.Acquire(ctx, id)
	require.NoError(t, err)

	_, err = NewPostgresLocker(pool).Acquire(ctx, id)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	release()
	again, err := a.Acquire(ctx, id)
	require.NoError(t, err)
	again()
}

func TestAdvisoryLockUsesWideKey(t *testing.T) {
	for _, sql := range []string{advisoryLockSQL, advisoryUnlockSQL} {
		assert.Contains(t, sql, "hashtextextended($1, 0)")
		assert.NotContains(t, sql, "hashtext($1)")
	}
}

func TestPostgresLockerKeySpace(t *testing.T) {
	pool := postgresPool(t)
	ctx := testutil.TestContext(t)
	id := fmt.Sprintf("keyspace-test-%d", time.Now().UnixNano())

	release, err := NewPostgresLocker(pool).Acquire(ctx, id)
	require.NoError(t, err)
	defer release()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	var locked bool
	require.NoError(t, conn.QueryRow(ctx, advisoryLockSQL, advisoryKey(id)).Scan(&locked))
	assert.False(t, locked, "same run id maps to the held key")

	// the 32-bit key of the same id is a different lock
	require.NoError(t, conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", advisoryKey(id)).Scan(&locked))
	assert.True(t, locked)
	_, err = conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", advisoryKey(id))
	require.NoError(t, err)
}

func TestPostgresLedger(t *testing.T) {
	pool := postgresPool(t)
	ctx := testutil.TestContext(t)
	id := fmt.Sprintf("ledger-test-%d", time.Now().UnixNano())

	l, err := NewPostgresLedger(ctx, pool)
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Microsecond)
	finished := started.Add(time.Second)
	require.NoError(t, l.Record(ctx, StageRecord{RunID: id, Stage: StageIngest, Status: StatusStarted, StartedAt: started}))
	require.NoError(t, l.Record(ctx, StageRecord{
		RunID: id, Stage: StageIngest, Status: StatusSucceeded, StartedAt: started, FinishedAt: &finished,
		Summary: gojson.RawMessage(`{"pages":3}`),
	}))

	history, err := l.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].FinishedAt)
	assert.Empty(t, history[0].Summary)
	assert.JSONEq(t, `{"pages":3}`, string(history[1].Summary))
	assert.True(t, started.Equal(history[1].StartedAt))
}
