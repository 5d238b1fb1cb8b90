package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/treeverse/tables/pkg/db"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
	"github.com/treeverse/tables/pkg/tables/idgen"
	"github.com/treeverse/tables/pkg/tables/sequence"
	"github.com/treeverse/tables/pkg/tables/snapshot"
	"github.com/treeverse/tables/pkg/tables/status"
	"github.com/treeverse/tables/pkg/tables/truth"
	"github.com/treeverse/tables/pkg/tables/txlog"
)

const (
	sequencePageSize = 1000
	logEvery         = 100_000
)

// Stores are the metadata stores a backup is taken from and loaded into
type Stores struct {
	DB             db.Database
	Truth          *truth.Store
	Allocator      *sequence.Allocator
	TxLog          *txlog.Log
	Tracker        *status.Tracker
	TableSnapshots *snapshot.Store
	ViewSnapshots  *snapshot.Store
	IDGen          *idgen.DBGenerator
}

// Stats counts records by kind
type Stats map[RecordKind]int

type writer struct {
	enc   *json.Encoder
	stats Stats
}

func (w *writer) write(kind RecordKind, v interface{}) error {
	rec, err := NewRecord(kind, v)
	if err != nil {
		return err
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("write %s record: %w", kind, err)
	}
	w.stats[kind]++
	return nil
}

// Dump writes the metadata of every table as JSON lines: a Header followed by Records. Row set
// blobs are not included.
func Dump(ctx context.Context, out io.Writer, s Stores, createdBy string) (Stats, error) {
	w := &writer{enc: json.NewEncoder(out), stats: Stats{}}
	if err := w.enc.Encode(&Header{FormatVersion: FormatVersion, CreatedAt: time.Now().UTC(), CreatedBy: createdBy}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	tableIDs := make(map[int64]struct{})
	var after int64 = -1
	for {
		page, err := s.Allocator.List(ctx, after, sequencePageSize)
		if err != nil {
			return nil, err
		}
		for _, seq := range page {
			if err := w.write(KindSequence, newSequenceRecord(seq)); err != nil {
				return nil, err
			}
			tableIDs[seq.TableID] = struct{}{}
			after = seq.TableID
		}
		if len(page) < sequencePageSize {
			break
		}
	}
	changed, err := s.Truth.ListTableIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range changed {
		tableIDs[id] = struct{}{}
	}
	ids := make([]int64, 0, len(tableIDs))
	for id := range tableIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := dumpTable(ctx, w, s, id); err != nil {
			return nil, err
		}
	}

	statuses, err := s.Tracker.ListStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if err := w.write(KindStatus, newStatusRecord(st)); err != nil {
			return nil, err
		}
	}
	snapshotStores := []struct {
		kind  RecordKind
		store *snapshot.Store
	}{
		{kind: KindTableSnapshot, store: s.TableSnapshots},
		{kind: KindViewSnapshot, store: s.ViewSnapshots},
	}
	for _, ss := range snapshotStores {
		snaps, err := ss.store.ListSnapshots(ctx)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			if err := w.write(ss.kind, newSnapshotRecord(snap)); err != nil {
				return nil, err
			}
		}
	}
	return w.stats, nil
}

func dumpTable(ctx context.Context, w *writer, s Stores, tableID int64) error {
	transactions, err := s.TxLog.ListTransactions(ctx, tableID)
	if err != nil {
		return err
	}
	for _, t := range transactions {
		versions, err := s.TxLog.ListVersions(ctx, t.TransactionNumber)
		if err != nil {
			return err
		}
		if err := w.write(KindTransaction, newTransactionRecord(t, versions)); err != nil {
			return err
		}
	}
	changes, err := s.Truth.ListChangesSince(ctx, tableID, truth.AllVersions)
	if err != nil {
		return err
	}
	for _, c := range changes {
		if err := w.write(KindChange, newChangeRecord(c)); err != nil {
			return err
		}
	}
	return nil
}

// loader restores records and remembers the highest generated ids it saw
type loader struct {
	s       Stores
	stats   Stats
	skipped int
	maxIDs  map[idgen.IDType]int64
}

func (l *loader) seen(t idgen.IDType, id int64) {
	if id > l.maxIDs[t] {
		l.maxIDs[t] = id
	}
}

func (l *loader) restore(ctx context.Context, rec *Record) error {
	v, err := rec.Decode()
	if err != nil {
		return err
	}
	switch r := v.(type) {
	case *sequenceRecord:
		err = l.s.Allocator.Restore(ctx, r.model())
	case *transactionRecord:
		l.seen(idgen.TableTransactionID, r.TransactionID)
		err = l.s.TxLog.Restore(ctx, r.model(), r.Versions)
	case *changeRecord:
		_, err = l.s.DB.Transact(ctx, db.Void(func(tx db.Tx) error {
			return l.s.Truth.ChangeLog().Append(tx, r.model())
		}))
		if errors.Is(err, tables.ErrAlreadyExists) {
			l.skipped++
			return nil
		}
	case *statusRecord:
		err = l.s.Tracker.Restore(ctx, r.model())
	case *snapshotRecord:
		store, idType := l.s.TableSnapshots, idgen.TableSnapshotID
		if rec.Kind == KindViewSnapshot {
			store, idType = l.s.ViewSnapshots, idgen.ViewSnapshotID
		}
		l.seen(idType, r.SnapshotID)
		err = store.Restore(ctx, r.model())
	default:
		return fmt.Errorf("%w: %s record", ErrInvalidFormat, rec.Kind)
	}
	if err != nil {
		return err
	}
	l.stats[rec.Kind]++
	return nil
}

// Load restores a backup written by Dump. Records that fail to restore are reported together
// once the whole backup was read; a malformed stream stops the load. Id sequences are moved past
// every restored id.
func Load(ctx context.Context, in io.Reader, s Stores) (Stats, error) {
	dec := json.NewDecoder(in)
	var header Header
	if err := dec.Decode(&header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty backup: %w", ErrInvalidFormat)
		}
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if header.FormatVersion < legacyFormatVersion || header.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("%w: backup format version %d", ErrInvalidFormat, header.FormatVersion)
	}
	log := logging.FromContext(ctx).WithFields(logging.Fields{
		"format_version": header.FormatVersion,
		"created_at":     header.CreatedAt,
		"created_by":     header.CreatedBy,
	})
	log.Info("Loading backup")

	l := &loader{s: s, stats: Stats{}, maxIDs: make(map[idgen.IDType]int64)}
	var merr *multierror.Error
	for line := 2; ; line++ {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding record at line %d: %w", line, err)
		}
		if rec.Kind == "" || rec.Data == nil {
			return nil, fmt.Errorf("bad record at line %d: %w", line, ErrInvalidFormat)
		}
		if err := l.restore(ctx, &rec); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("line %d (%s): %w", line, rec.Kind, err))
		}
		if (line-1)%logEvery == 0 {
			log.Infof("Loaded %d records", line-1)
		}
	}

	if len(l.maxIDs) > 0 {
		_, err := s.DB.Transact(ctx, db.Void(func(tx db.Tx) error {
			for t, id := range l.maxIDs {
				if err := s.IDGen.EnsureAbove(tx, t, id); err != nil {
					return err
				}
			}
			return nil
		}))
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("advance id sequences: %w", err))
		}
	}
	log.WithField("skipped_changes", l.skipped).Info("Loaded backup")
	return l.stats, merr.ErrorOrNil()
}
