package db_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/shotqueue/internal/db"
	"github.com/unclebandit/shotqueue/internal/db/dbtest"
)

func TestRebind(t *testing.T) {
	q := "SELECT id FROM queue_jobs WHERE status = ? AND deliver_at <= ? AND last_error <> '?'"

	assert.Equal(t, q, db.Rebind(db.SQLite, q))
	assert.Equal(t,
		"SELECT id FROM queue_jobs WHERE status = $1 AND deliver_at <= $2 AND last_error <> '?'",
		db.Rebind(db.Postgres, q),
	)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", db.Placeholders(0))
	assert.Equal(t, "?", db.Placeholders(1))
	assert.Equal(t, "?, ?, ?", db.Placeholders(3))
	assert.Equal(t, []any{int64(1), int64(2)}, db.Int64Args([]int64{1, 2}))
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := dbtest.New(t)
	require.NoError(t, d.Migrate(context.Background()))
}

func TestInTx_RollsBackOnError(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := d.InTx(ctx, func(tx *db.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO contacts (bot_slug, recipient_id, chat_state, last_seen_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"shop", 1, "active", 1, 1)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, d.QueryRow(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n))
	assert.Zero(t, n)
}

func TestUniqueCampaignRecipient(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()

	_, err := d.Exec(ctx, `INSERT INTO campaigns (bot_slug, kind, content, send_mode, status, created_at, updated_at)
		VALUES ('shop', 'shot', '{}', 'immediate', 'draft', 1, 1)`)
	require.NoError(t, err)

	insert := `INSERT INTO queue_jobs (campaign_id, bot_slug, recipient_id, deliver_at, status, created_at, updated_at)
		VALUES (1, 'shop', 42, 1, 'scheduled', 1, 1)`
	_, err = d.Exec(ctx, insert)
	require.NoError(t, err)
	_, err = d.Exec(ctx, insert)
	require.Error(t, err)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&pq.Error{Code: "40001"}, true},
		{&pq.Error{Code: "40P01"}, true},
		{fmt.Errorf("claim: %w", &pq.Error{Code: "08006"}), true},
		{&pq.Error{Code: "23505"}, false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, db.Retryable(tt.err), "%v", tt.err)
	}
}

func TestInTx_ReplaysSerializationFailure(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()

	calls := 0
	err := d.InTx(ctx, func(tx *db.Tx) error {
		calls++
		if calls == 1 {
			return &pq.Error{Code: "40001"}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO contacts (bot_slug, recipient_id, chat_state, last_seen_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"shop", 2, "active", 1, 1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = d.InTx(ctx, func(tx *db.Tx) error {
		calls++
		return &pq.Error{Code: "40P01"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestQueryTimeout_BoundsEachStatement(t *testing.T) {
	d := dbtest.New(t)
	ctx := context.Background()

	_, err := d.Exec(ctx,
		`INSERT INTO contacts (bot_slug, recipient_id, chat_state, last_seen_at, updated_at) VALUES (?, ?, ?, ?, ?), (?, ?, ?, ?, ?)`,
		"shop", 1, "active", 1, 1, "shop", 2, "active", 1, 1)
	require.NoError(t, err)

	rows, err := d.Query(ctx, `SELECT recipient_id FROM contacts ORDER BY recipient_id`)
	require.NoError(t, err)
	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	assert.Equal(t, []int64{1, 2}, ids)

	d.SetQueryTimeout(time.Nanosecond)
	t.Cleanup(func() { d.SetQueryTimeout(0) })

	_, err = d.Exec(ctx, `DELETE FROM contacts`)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = d.Query(ctx, `SELECT recipient_id FROM contacts`)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var n int
	require.ErrorIs(t, d.QueryRow(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n), context.DeadlineExceeded)

	err = d.InTx(ctx, func(tx *db.Tx) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	d.SetQueryTimeout(0)
	require.NoError(t, d.QueryRow(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n))
	assert.Equal(t, 2, n)
}
