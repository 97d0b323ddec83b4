package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/config"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
)

func universe() api.KeyRange { return api.NewKeyRange(api.Key(""), api.Key{0xff}) }

func TestAddAssignmentNewDominatesRecordsOutOfDate(t *testing.T) {
	final := rangemap.New(universe(), zeroAssign)
	oldWorker := api.NewUID()
	r := api.NewKeyRange(api.Key("a"), api.Key("z"))
	final.Insert(r, assignVal{Owner: oldWorker, EpochSeq: api.EpochSeq{Epoch: 1, Seq: 1}})

	var outOfDate []outOfDateEntry
	newWorker := api.NewUID()
	addAssignment(final, r, newWorker, api.EpochSeq{Epoch: 1, Seq: 2}, false, &outOfDate)

	require.Len(t, outOfDate, 1)
	require.Equal(t, oldWorker, outOfDate[0].Worker)

	entries := final.Intersecting(r)
	require.Len(t, entries, 1)
	require.Equal(t, newWorker, entries[0].Value.Owner)
}

func TestAddAssignmentExistingDominatesKeepsExisting(t *testing.T) {
	final := rangemap.New(universe(), zeroAssign)
	oldWorker := api.NewUID()
	r := api.NewKeyRange(api.Key("a"), api.Key("z"))
	final.Insert(r, assignVal{Owner: oldWorker, EpochSeq: api.EpochSeq{Epoch: 2, Seq: 5}})

	var outOfDate []outOfDateEntry
	newWorker := api.NewUID()
	addAssignment(final, r, newWorker, api.EpochSeq{Epoch: 1, Seq: 1}, false, &outOfDate)

	require.Empty(t, outOfDate)
	entries := final.Intersecting(r)
	require.Len(t, entries, 1)
	require.Equal(t, oldWorker, entries[0].Value.Owner)
}

func TestAddAssignmentMappingFallbackDemotesOnDisagreement(t *testing.T) {
	final := rangemap.New(universe(), zeroAssign)
	liveWorker := api.NewUID()
	r := api.NewKeyRange(api.Key("a"), api.Key("z"))
	final.Insert(r, assignVal{Owner: liveWorker, EpochSeq: api.EpochSeq{Epoch: 3, Seq: 9}})

	var outOfDate []outOfDateEntry
	mappingOwner := api.NewUID()
	addAssignment(final, r, mappingOwner, api.EpochSeq{Epoch: 0, Seq: 1}, true, &outOfDate)

	entries := final.Intersecting(r)
	require.Len(t, entries, 1)
	require.Equal(t, api.NilUID, entries[0].Value.Owner, "mapping fallback disagreeing with a live claim must demote to NilUID")
}

func TestAddAssignmentMixedDominanceRestoresDominantFragment(t *testing.T) {
	final := rangemap.New(universe(), zeroAssign)
	dominantWorker := api.NewUID()
	dominatedWorker := api.NewUID()
	final.Insert(api.NewKeyRange(api.Key("a"), api.Key("m")), assignVal{Owner: dominantWorker, EpochSeq: api.EpochSeq{Epoch: 3, Seq: 5}})
	final.Insert(api.NewKeyRange(api.Key("m"), api.Key("z")), assignVal{Owner: dominatedWorker, EpochSeq: api.EpochSeq{Epoch: 1, Seq: 1}})

	var outOfDate []outOfDateEntry
	candidate := api.NewUID()
	addAssignment(final, api.NewKeyRange(api.Key("a"), api.Key("z")), candidate, api.EpochSeq{Epoch: 2, Seq: 1}, false, &outOfDate)

	// The [a,m) sub-range is more authoritative than the candidate and
	// must survive the candidate's wholesale insert untouched.
	dominantEntries := final.Intersecting(api.NewKeyRange(api.Key("a"), api.Key("m")))
	require.Len(t, dominantEntries, 1)
	require.Equal(t, dominantWorker, dominantEntries[0].Value.Owner)
	require.Equal(t, api.EpochSeq{Epoch: 3, Seq: 5}, dominantEntries[0].Value.EpochSeq)

	// The [m,z) sub-range is genuinely superseded by the candidate.
	dominatedEntries := final.Intersecting(api.NewKeyRange(api.Key("m"), api.Key("z")))
	require.Len(t, dominatedEntries, 1)
	require.Equal(t, candidate, dominatedEntries[0].Value.Owner)

	require.Len(t, outOfDate, 1)
	require.Equal(t, dominatedWorker, outOfDate[0].Worker)
}

func TestRunEpoch1ShortCircuits(t *testing.T) {
	c := New(nil, nil, nil, nil, 1, api.Locality{}, config.Default(), universe())
	require.NoError(t, c.Run(context.Background()))
}
