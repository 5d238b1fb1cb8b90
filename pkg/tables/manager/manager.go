package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/notify"
	"github.com/treeverse/tables/pkg/tables/params"
	"github.com/treeverse/tables/pkg/tables/rowcache"
	"github.com/treeverse/tables/pkg/tables/rowset"
	"github.com/treeverse/tables/pkg/tables/sequence"
	"github.com/treeverse/tables/pkg/tables/snapshot"
	"github.com/treeverse/tables/pkg/tables/status"
	"github.com/treeverse/tables/pkg/tables/truth"
	"github.com/treeverse/tables/pkg/tables/txlog"
)

var publishFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "tables_publish_failures_total",
		Help: "Change messages that could not be published after their change committed",
	})

// Trigger asks for the derived state of a table to be brought up to date
type Trigger interface {
	Trigger(tableID int64)
}

type noTrigger struct{}

func (noTrigger) Trigger(int64) {}

// Manager writes row changes to tables. Each write runs in a single database transaction that
// locks the write's transaction row and then the table's sequence row, in that order.
type Manager struct {
	db          db.Database
	store       *truth.Store
	reader      *rowcache.CachingReader
	allocator   *sequence.Allocator
	txLog       *txlog.Log
	tracker     *status.Tracker
	snapshots   *snapshot.Store
	publisher   notify.Publisher
	trigger     Trigger
	lockTimeout time.Duration
}

type Option func(*Manager)

func WithPublisher(p notify.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

func WithTrigger(t Trigger) Option {
	return func(m *Manager) {
		m.trigger = t
	}
}

// WithStatusTracker has table deletion remove the table's status
func WithStatusTracker(t *status.Tracker) Option {
	return func(m *Manager) {
		m.tracker = t
	}
}

// WithSnapshots has table deletion remove the table's snapshots
func WithSnapshots(s *snapshot.Store) Option {
	return func(m *Manager) {
		m.snapshots = s
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.lockTimeout = d
	}
}

func NewManager(database db.Database, store *truth.Store, reader *rowcache.CachingReader, allocator *sequence.Allocator, txLog *txlog.Log, opts ...Option) *Manager {
	m := &Manager{
		db:          database,
		store:       store,
		reader:      reader,
		allocator:   allocator,
		txLog:       txLog,
		publisher:   notify.LogPublisher{},
		trigger:     noTrigger{},
		lockTimeout: params.DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request is a write to a table
type Request struct {
	UserID string
	// TransactionID continues an existing transaction; zero starts a new one
	TransactionID int64
	Schema        []*tables.ColumnModel
}

func (r Request) validate() error {
	if err := tables.Validate(tables.ValidateFields{
		{Name: "userID", IsValid: tables.ValidateRequiredString(r.UserID)},
		{Name: "transactionID", IsValid: tables.ValidateNonNegative(r.TransactionID)},
	}); err != nil {
		return err
	}
	return tables.ValidateSchema(r.Schema)
}

// Result describes a committed change
type Result struct {
	TableID       int64
	Version       int64
	Etag          string
	TransactionID int64
	// IDRange holds the ids given to new rows
	IDRange *tables.IDRange
	// Rows are the rows written, with their ids and versions
	Rows []*tables.Row
}

func copyRows(rows []*tables.Row) []*tables.Row {
	res := make([]*tables.Row, len(rows))
	for i, r := range rows {
		res[i] = r.Copy()
	}
	return res
}

func (m *Manager) txOpts(log logging.Logger) []db.TxOpt {
	opts := []db.TxOpt{db.ReadCommitted(), db.WithLogger(log)}
	if m.lockTimeout > 0 {
		opts = append(opts, db.WithLockTimeout(m.lockTimeout))
	}
	return opts
}

// AppendRowSet validates rs against the schema and appends it as a new version of the table.
// Rows without a valid id are new rows and get new ids. Rows with an id replace the row; the
// write fails with a *tables.ConflictError if such a row changed after the baseline the writer
// stated, its etag or else the version of each row.
func (m *Manager) AppendRowSet(ctx context.Context, req Request, rs *tables.RowSet) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := tables.ValidateRowSet(req.Schema, rs); err != nil {
		return nil, err
	}
	return m.append(ctx, req, rs.TableID, rs.Etag, rs.Headers, rs.Rows, tables.ChangeTypeRow)
}

// AppendPartialRowSet applies column subset updates over the current content of their rows
// and appends the result as a new version of the table
func (m *Manager) AppendPartialRowSet(ctx context.Context, req Request, prs *tables.PartialRowSet) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if prs == nil || len(prs.Rows) == 0 {
		return nil, fmt.Errorf("%w: partial row set has no rows", tables.ErrInvalidArgument)
	}
	headers := tables.HeadersOf(req.Schema)
	var existing []int64
	for _, p := range prs.Rows {
		if tables.IsValidRowID(p.RowID) {
			existing = append(existing, *p.RowID)
		}
	}
	current, err := m.reader.GetRows(ctx, prs.TableID, existing, headers)
	if err != nil {
		return nil, err
	}
	rs := &tables.RowSet{TableID: prs.TableID, Etag: prs.Etag, Headers: headers, Rows: make([]*tables.Row, 0, len(prs.Rows))}
	for _, p := range prs.Rows {
		var base *tables.Row
		if tables.IsValidRowID(p.RowID) {
			var ok bool
			if base, ok = current[*p.RowID]; !ok {
				return nil, fmt.Errorf("%w: row %d of table %d", tables.ErrNotFound, *p.RowID, prs.TableID)
			}
		} else if p.Delete {
			return nil, fmt.Errorf("%w: delete of a row without an id", tables.ErrInvalidArgument)
		}
		merged, err := rowset.MergePartialRow(headers, base, p)
		if err != nil {
			return nil, err
		}
		rs.Rows = append(rs.Rows, merged)
	}
	return m.AppendRowSet(ctx, req, rs)
}

// AppendSchemaChange records that the columns of the table are now headers. It takes a
// version but changes no rows.
func (m *Manager) AppendSchemaChange(ctx context.Context, req Request, tableID int64) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return m.append(ctx, req, tableID, "", tables.HeadersOf(req.Schema), nil, tables.ChangeTypeColumn)
}

func (m *Manager) append(ctx context.Context, req Request, tableID int64, etag string, headers []int64, rows []*tables.Row, changeType tables.ChangeType) (*Result, error) {
	log := logging.FromContext(ctx).WithFields(logging.Fields{
		logging.TableIDFieldKey: tableID,
		logging.UserFieldKey:    req.UserID,
	})
	var result *Result
	err := tables.RetryTransient(ctx, func() error {
		res, err := m.db.Transact(ctx, func(tx db.Tx) (interface{}, error) {
			return m.appendInTx(ctx, tx, req, tableID, etag, headers, copyRows(rows), changeType)
		}, m.txOpts(log)...)
		if err != nil {
			return err
		}
		result = res.(*Result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(logging.Fields{
		logging.VersionFieldKey:       result.Version,
		logging.TransactionIDFieldKey: result.TransactionID,
		"rows":                        len(result.Rows),
	}).Debug("Appended change")

	changeKind := notify.ChangeTypeUpdate
	if result.Version == 0 {
		changeKind = notify.ChangeTypeCreate
	}
	m.publish(ctx, notify.Message{ObjectID: tableID, ObjectType: notify.ObjectTypeTable, Etag: result.Etag, ChangeType: changeKind})
	m.trigger.Trigger(tableID)
	return result, nil
}

func (m *Manager) appendInTx(ctx context.Context, tx db.Tx, req Request, tableID int64, etag string, headers []int64, rows []*tables.Row, changeType tables.ChangeType) (*Result, error) {
	txID := req.TransactionID
	if txID == 0 {
		var err error
		if txID, err = m.txLog.StartTransaction(tx, tableID, req.UserID, nil); err != nil {
			return nil, err
		}
	}
	lockedTableID, err := m.txLog.GetTableIDWithLock(tx, txID)
	if err != nil {
		return nil, err
	}
	if lockedTableID != tableID {
		return nil, fmt.Errorf("%w: transaction %d belongs to table %d, not %d", tables.ErrInvalidArgument, txID, lockedTableID, tableID)
	}
	idRange, err := m.allocator.ReserveIDRangeForRows(tx, tableID, rows)
	if err != nil {
		return nil, err
	}
	// the baseline is the versions the writer stated, so check before stamping the new version.
	// Reads go through tx: the write already holds a connection and waiting for another one
	// is not bounded by the lock timeout.
	delta := &tables.RowSet{TableID: tableID, Etag: etag, Headers: headers, Rows: rows}
	if err := truth.CheckForRowLevelConflict(ctx, m.reader.WithTx(tx), delta, truth.AllVersions); err != nil {
		return nil, err
	}
	if err := tables.AssignIDsAndVersion(rows, idRange); err != nil {
		return nil, err
	}
	obj, err := m.store.WriteRowSet(ctx, tableID, headers, rows)
	if err != nil {
		return nil, err
	}
	change := &tables.TableRowChange{
		TableID:       tableID,
		RowVersion:    idRange.VersionNumber,
		Etag:          uuid.New().String(),
		Headers:       headers,
		CreatedBy:     req.UserID,
		CreatedOn:     time.Now().UTC(),
		Bucket:        obj.StorageNamespace,
		Key:           obj.Identifier,
		RowCount:      int64(len(rows)),
		ChangeType:    changeType,
		TransactionID: &txID,
	}
	if err := m.store.ChangeLog().Append(tx, change); err != nil {
		return nil, err
	}
	if err := m.txLog.LinkTransactionToVersion(tx, txID, change.RowVersion); err != nil {
		return nil, err
	}
	if _, err := m.txLog.UpdateTransactionEtag(tx, txID); err != nil {
		return nil, err
	}
	return &Result{
		TableID:       tableID,
		Version:       change.RowVersion,
		Etag:          change.Etag,
		TransactionID: txID,
		IDRange:       idRange,
		Rows:          rows,
	}, nil
}

func (m *Manager) publish(ctx context.Context, msg notify.Message) {
	if err := m.publisher.PublishAfterCommit(ctx, msg); err != nil {
		publishFailures.Inc()
		logging.FromContext(ctx).
			WithField("message", msg.String()).
			WithError(err).
			Error("Publish change")
	}
}

// DeleteTable removes the change log, transactions, sequence and derived state of the table.
// Snapshots and row set blobs are removed after the database commit; failures to remove them are
// returned but leave the table deleted. Change records, row contents and snapshot ids cached by
// other processes are not dropped: they stay until those processes delete a table themselves or
// the entries expire.
func (m *Manager) DeleteTable(ctx context.Context, tableID int64) error {
	log := logging.FromContext(ctx).WithField(logging.TableIDFieldKey, tableID)
	var changes []*tables.TableRowChange
	err := tables.RetryTransient(ctx, func() error {
		res, err := m.db.Transact(ctx, func(tx db.Tx) (interface{}, error) {
			if err := m.allocator.Delete(tx, tableID); err != nil {
				return nil, err
			}
			deleted, err := m.store.ChangeLog().DeleteAllChanges(tx, tableID)
			if err != nil {
				return nil, err
			}
			if _, err := m.txLog.DeleteTable(tx, tableID); err != nil {
				return nil, err
			}
			return deleted, nil
		}, m.txOpts(log)...)
		if err != nil {
			return err
		}
		changes = res.([]*tables.TableRowChange)
		return nil
	})
	if err != nil {
		return err
	}

	m.store.ForgetTable()
	var merr *multierror.Error
	if err := m.reader.ForgetTable(ctx, tableID); err != nil {
		merr = multierror.Append(merr, err)
	}
	if m.tracker != nil {
		if err := m.tracker.DeleteStatus(ctx, tableID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if m.snapshots != nil {
		if _, err := m.snapshots.DeleteSnapshots(ctx, tableID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	for _, change := range changes {
		if err := m.store.RemoveRowSet(ctx, change); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove rows of %s: %w",
				tables.NewIDAndVersion(tableID, &change.RowVersion), err))
		}
	}
	log.WithField("changes", len(changes)).Info("Deleted table")
	m.publish(ctx, notify.Message{ObjectID: tableID, ObjectType: notify.ObjectTypeTable, Etag: uuid.New().String(), ChangeType: notify.ChangeTypeDelete})
	return merr.ErrorOrNil()
}
