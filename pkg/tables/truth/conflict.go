package truth

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/treeverse/tables/pkg/logging"
	"github.com/treeverse/tables/pkg/tables"
)

var conflictsDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tables_row_conflicts_total",
		Help: "Writes rejected because a row they touch changed since their baseline",
	},
	[]string{"baseline"})

// AllVersions is the conflict check floor that considers a table's whole history
const AllVersions int64 = 0

// CheckForRowLevelConflict fails with a *tables.ConflictError when a row the delta updates has
// a newer version than the delta's baseline. With an etag the baseline is the table version of
// that etag; otherwise it is the version each row states. Rows without an id are new and cannot
// conflict. Only changes with version >= minVersion are considered.
//
// The check is optimistic: callers serialize writers by holding the table's sequence lock.
func CheckForRowLevelConflict(ctx context.Context, lookup VersionLookup, delta *tables.RowSet, minVersion int64) error {
	stated := tables.GetDistinctValidRowIDs(delta.Rows)
	if len(stated) == 0 {
		return nil
	}
	rowIDs := make([]int64, 0, len(stated))
	for id, version := range stated {
		if delta.Etag == "" && version == nil {
			return fmt.Errorf("%w: row %d has no version number", tables.ErrInvalidArgument, id)
		}
		rowIDs = append(rowIDs, id)
	}

	latest, err := lookup.GetLatestVersions(ctx, delta.TableID, rowIDs, minVersion)
	if err != nil {
		return err
	}

	baseline := "row"
	var conflicts []int64
	if delta.Etag != "" {
		baseline = "etag"
		versionOfEtag, err := lookup.GetVersionForEtag(ctx, delta.TableID, delta.Etag)
		if err != nil {
			return err
		}
		for _, id := range rowIDs {
			if v, ok := latest[id]; ok && v > versionOfEtag {
				conflicts = append(conflicts, id)
			}
		}
	} else {
		for _, id := range rowIDs {
			if v, ok := latest[id]; ok && v > *stated[id] {
				conflicts = append(conflicts, id)
			}
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	conflictsDetected.WithLabelValues(baseline).Inc()
	err = tables.NewConflictError(delta.TableID, conflicts)
	logging.FromContext(ctx).
		WithField(logging.TableIDFieldKey, delta.TableID).
		WithField("rows", len(conflicts)).
		Debug(err.Error())
	return err
}
