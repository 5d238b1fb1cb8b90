package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
)

var fencingRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tables_status_fencing_rejections_total",
		Help: "Status updates rejected because the table was reset after the worker started",
	},
	[]string{"state"})

const statusColumns = `table_id, state, reset_token, started_on, changed_on, progress_current, progress_total,
	progress_message, error_message, error_details, runtime_ms, last_table_change_etag, version`

// Tracker records the build state of derived tables. Every rebuild starts with a reset that
// issues a new token; a worker holding an older token can no longer change the status.
type Tracker struct {
	db          db.Database
	lockTimeout time.Duration
	now         func() time.Time
}

type Option func(*Tracker)

func WithLockTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.lockTimeout = d
	}
}

// WithNowFn overrides the clock, for tests
func WithNowFn(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(database db.Database, opts ...Option) *Tracker {
	t := &Tracker{
		db:  database,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) txOpts(ctx context.Context, tableID int64) []db.TxOpt {
	opts := []db.TxOpt{
		db.ReadCommitted(),
		db.WithLogger(logging.FromContext(ctx).WithField(logging.TableIDFieldKey, tableID)),
	}
	if t.lockTimeout > 0 {
		opts = append(opts, db.WithLockTimeout(t.lockTimeout))
	}
	return opts
}

// ResetToProcessing starts a rebuild of the table and returns its new reset token. Tokens
// issued before are no longer valid.
func (t *Tracker) ResetToProcessing(ctx context.Context, tableID int64) (string, error) {
	token := uuid.New().String()
	now := t.now().UTC()
	_, err := t.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		_, err := tx.Exec(`INSERT INTO table_status (table_id, state, reset_token, started_on, changed_on)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (table_id) DO UPDATE
				SET state = EXCLUDED.state, reset_token = EXCLUDED.reset_token,
					started_on = EXCLUDED.started_on, changed_on = EXCLUDED.changed_on,
					progress_current = NULL, progress_total = NULL, progress_message = NULL,
					error_message = NULL, error_details = NULL, runtime_ms = NULL`,
			tableID, string(tables.TableStateProcessing), token, now)
		return err
	}), t.txOpts(ctx, tableID)...)
	if err != nil {
		return "", tables.TranslateDBError("reset status of table", tables.TableID(tableID), err)
	}
	logging.FromContext(ctx).
		WithFields(logging.Fields{logging.TableIDFieldKey: tableID, logging.ResetTokenFieldKey: token}).
		Debug("Table reset to processing")
	return token, nil
}

// lockStatus reads the status of the table under a row lock and checks the caller's token
func lockStatus(tx db.Tx, tableID int64, token string, next tables.TableState) (*tables.TableStatus, error) {
	var st tables.TableStatus
	err := tx.Get(&st, `SELECT `+statusColumns+` FROM table_status WHERE table_id = $1 FOR UPDATE`, tableID)
	if err != nil {
		return nil, tables.TranslateDBError("lock status of table", tables.TableID(tableID), err)
	}
	if st.ResetToken != token {
		fencingRejections.WithLabelValues(string(next)).Inc()
		return nil, fmt.Errorf("%w: table %d was reset after token %s was issued", tables.ErrConflictingUpdate, tableID, token)
	}
	return &st, nil
}

func checkTransition(st *tables.TableStatus, next tables.TableState) error {
	if !st.State.CanTransition(next) {
		fencingRejections.WithLabelValues(string(next)).Inc()
		return fmt.Errorf("%w: table %d cannot move from %s to %s", tables.ErrConflictingUpdate, st.TableID, st.State, next)
	}
	return nil
}

// Completion describes the table content a finished build produced
type Completion struct {
	LastTableChangeEtag string
	Version             *int64
}

// SetAvailable ends the build started with token successfully. Ending the same build the same
// way again changes nothing.
func (t *Tracker) SetAvailable(ctx context.Context, tableID int64, token string, completion Completion) error {
	return t.finish(ctx, tableID, token, tables.TableStateAvailable, completion, nil, nil)
}

// SetFailed ends the build started with token with an error. Ending the same build the same way
// again changes nothing and keeps the first error.
func (t *Tracker) SetFailed(ctx context.Context, tableID int64, token string, message, details string) error {
	return t.finish(ctx, tableID, token, tables.TableStateFailed, Completion{}, &message, &details)
}

func (t *Tracker) finish(ctx context.Context, tableID int64, token string, state tables.TableState, completion Completion, message, details *string) error {
	var etag *string
	if completion.LastTableChangeEtag != "" {
		etag = &completion.LastTableChangeEtag
	}
	_, err := t.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		st, err := lockStatus(tx, tableID, token, state)
		if err != nil {
			return err
		}
		if st.State == state {
			logging.FromContext(ctx).
				WithFields(logging.Fields{logging.TableIDFieldKey: tableID, "state": state}).
				Debug("Build already ended in this state")
			return nil
		}
		if err := checkTransition(st, state); err != nil {
			return err
		}
		now := t.now().UTC()
		runtime := now.Sub(st.StartedOn).Milliseconds()
		_, err = tx.Exec(`UPDATE table_status
			SET state = $2, changed_on = $3, progress_current = progress_total, runtime_ms = $4,
				error_message = $5, error_details = $6,
				last_table_change_etag = COALESCE($7, last_table_change_etag), version = COALESCE($8, version)
			WHERE table_id = $1`,
			tableID, string(state), now, runtime, message, details, etag, completion.Version)
		return err
	}), t.txOpts(ctx, tableID)...)
	if err != nil {
		return tables.TranslateDBError("set status of table", tables.TableID(tableID), err)
	}
	return nil
}

// UpdateProgress reports progress of the build started with token
func (t *Tracker) UpdateProgress(ctx context.Context, tableID int64, token string, progress tables.Progress) error {
	_, err := t.db.Transact(ctx, db.Void(func(tx db.Tx) error {
		st, err := lockStatus(tx, tableID, token, tables.TableStateProcessing)
		if err != nil {
			return err
		}
		if err := checkTransition(st, tables.TableStateProcessing); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE table_status
			SET progress_current = $2, progress_total = $3, progress_message = $4, changed_on = $5
			WHERE table_id = $1`,
			tableID, progress.Current, progress.Total, progress.Message, t.now().UTC())
		return err
	}), t.txOpts(ctx, tableID)...)
	if err != nil {
		return tables.TranslateDBError("update progress of table", tables.TableID(tableID), err)
	}
	return nil
}

func (t *Tracker) GetStatus(ctx context.Context, tableID int64) (*tables.TableStatus, error) {
	var st tables.TableStatus
	err := t.db.Get(ctx, &st, `SELECT `+statusColumns+` FROM table_status WHERE table_id = $1`, tableID)
	if err != nil {
		return nil, tables.TranslateDBError("get status of table", tables.TableID(tableID), err)
	}
	return &st, nil
}

func (t *Tracker) GetLastChangedOn(ctx context.Context, tableID int64) (time.Time, error) {
	var changedOn time.Time
	err := t.db.GetPrimitive(ctx, &changedOn, `SELECT changed_on FROM table_status WHERE table_id = $1`, tableID)
	if err != nil {
		return time.Time{}, tables.TranslateDBError("get status of table", tables.TableID(tableID), err)
	}
	return changedOn, nil
}

// DeleteStatus removes the status of the table, if any
func (t *Tracker) DeleteStatus(ctx context.Context, tableID int64) error {
	_, err := t.db.Exec(ctx, `DELETE FROM table_status WHERE table_id = $1`, tableID)
	return tables.TranslateDBError("delete status of table", tables.TableID(tableID), err)
}

func (t *Tracker) ClearAll(ctx context.Context) error {
	_, err := t.db.Exec(ctx, `DELETE FROM table_status`)
	return tables.TranslateDBError("clear table status", nil, err)
}

// ListStatus returns the status of every tracked table, ordered by table id
func (t *Tracker) ListStatus(ctx context.Context) ([]*tables.TableStatus, error) {
	var all []*tables.TableStatus
	err := t.db.Select(ctx, &all, `SELECT `+statusColumns+` FROM table_status ORDER BY table_id`)
	if err != nil {
		return nil, tables.TranslateDBError("list table status", nil, err)
	}
	return all, nil
}

// Restore writes a status row as is, replacing the current one. Used when loading a backup.
func (t *Tracker) Restore(ctx context.Context, st *tables.TableStatus) error {
	if st == nil {
		return errors.New("nil status")
	}
	_, err := t.db.Exec(ctx, `INSERT INTO table_status (`+statusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (table_id) DO UPDATE
			SET state = EXCLUDED.state, reset_token = EXCLUDED.reset_token, started_on = EXCLUDED.started_on,
				changed_on = EXCLUDED.changed_on, progress_current = EXCLUDED.progress_current,
				progress_total = EXCLUDED.progress_total, progress_message = EXCLUDED.progress_message,
				error_message = EXCLUDED.error_message, error_details = EXCLUDED.error_details,
				runtime_ms = EXCLUDED.runtime_ms, last_table_change_etag = EXCLUDED.last_table_change_etag,
				version = EXCLUDED.version`,
		st.TableID, string(st.State), st.ResetToken, st.StartedOn, st.ChangedOn, st.ProgressCurrent,
		st.ProgressTotal, st.ProgressMessage, st.ErrorMessage, st.ErrorDetails, st.RuntimeMS,
		st.LastTableChangeEtag, st.Version)
	return tables.TranslateDBError("restore status of table", tables.TableID(st.TableID), err)
}
