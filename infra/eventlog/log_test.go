package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"fenrir/domain/book"
	"fenrir/domain/match"
)

func accepted(clientID string, price, qty int64) *match.Event {
	return &match.Event{
		Type:       match.EventOrderAccepted,
		Instrument: "BTC_USD",
		Time:       100,
		Accepted: &match.OrderAccepted{
			OrderID:       1,
			ClientOrderID: clientID,
			Side:          book.Buy,
			Price:         price,
			Quantity:      qty,
			OrderSeq:      1,
		},
	}
}

func TestAppendAssignsContiguousSeqs(t *testing.T) {
	log, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	for i := 1; i <= 5; i++ {
		seq, err := log.Append(accepted("c", 100, 1))
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
	}
	require.Equal(t, uint64(5), log.LastSeq())
}

func TestIterateFromSeq(t *testing.T) {
	log, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 10; i++ {
		_, err := log.Append(accepted("c", 100, 1))
		require.NoError(t, err)
	}

	var seqs []uint64
	require.NoError(t, log.Iterate(4, func(e *match.Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	}))
	require.Equal(t, []uint64{5, 6, 7, 8, 9, 10}, seqs)
}

func TestReopenResumesSequence(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	_, err = log.Append(accepted("a", 100, 1))
	require.NoError(t, err)
	_, err = log.Append(accepted("b", 101, 2))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	log, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer log.Close()
	require.Equal(t, uint64(2), log.LastSeq())

	seq, err := log.Append(accepted("c", 102, 3))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)

	var got []string
	require.NoError(t, log.Iterate(0, func(e *match.Event) error {
		got = append(got, e.Accepted.ClientOrderID)
		return nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	// Tiny segments force a rotation on every append or two.
	log, err := Open(Config{Dir: dir, SegmentSize: 64})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := log.Append(accepted("c", 100, 1))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	files, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	require.NoError(t, err)
	require.Greater(t, len(files), 1, "appends past the size cap must rotate")

	// Rotation leaves the newest segment empty; the resumed sequence must
	// come from the newest segment that holds records.
	log, err = Open(Config{Dir: dir, SegmentSize: 64})
	require.NoError(t, err)
	defer log.Close()
	require.Equal(t, uint64(8), log.LastSeq())

	seq, err := log.Append(accepted("c", 100, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(9), seq)

	count := 0
	require.NoError(t, log.Iterate(0, func(e *match.Event) error {
		count++
		require.Equal(t, uint64(count), e.Seq)
		return nil
	}))
	require.Equal(t, 9, count)
}

func TestAppendBatchAssignsContiguousSeqs(t *testing.T) {
	log, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	seqs, err := log.AppendBatch([]*match.Event{
		accepted("a", 100, 1),
		accepted("b", 101, 2),
		accepted("c", 102, 3),
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, seqs)
	require.Equal(t, uint64(3), log.LastSeq())

	var got []string
	require.NoError(t, log.Iterate(0, func(e *match.Event) error {
		got = append(got, e.Accepted.ClientOrderID)
		return nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestUncommittedBatchDiscardedOnReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	_, err = log.Append(accepted("a", 100, 1))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Fake a crash mid-batch: a complete, checksummed frame on disk whose
	// batch never reached its commit marker.
	ev := accepted("b", 101, 2)
	payload, err := ev.Marshal()
	require.NoError(t, err)
	frame := appendFrame(nil, byte(ev.Type), 2, ev.Time, payload)
	f, err := os.OpenFile(segmentPath(dir, 0), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write(frame)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer log.Close()
	require.Equal(t, uint64(1), log.LastSeq(), "uncommitted batch never became durable")

	var got []string
	require.NoError(t, log.Iterate(0, func(e *match.Event) error {
		got = append(got, e.Accepted.ClientOrderID)
		return nil
	}))
	require.Equal(t, []string{"a"}, got)

	// The discarded frame was truncated away, so its sequence is minted
	// again without tripping the monotonicity check.
	seq, err := log.Append(accepted("c", 102, 3))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	got = got[:0]
	require.NoError(t, log.Iterate(0, func(e *match.Event) error {
		got = append(got, e.Accepted.ClientOrderID)
		return nil
	}))
	require.Equal(t, []string{"a", "c"}, got)
}

func TestTornTailIsIgnored(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := log.Append(accepted("c", 100, 1))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// Chop bytes off the last record to fake a crash mid-append.
	files, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], info.Size()-7))

	log, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer log.Close()
	require.Equal(t, uint64(2), log.LastSeq(), "torn record never became durable")

	count := 0
	require.NoError(t, log.Iterate(0, func(e *match.Event) error {
		count++
		return nil
	}))
	require.Equal(t, 2, count)
}

func TestCorruptPayloadFailsScan(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	defer log.Close()
	for i := 0; i < 2; i++ {
		_, err := log.Append(accepted("c", 100, 1))
		require.NoError(t, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	require.NoError(t, err)
	f, err := os.OpenFile(files[0], os.O_WRONLY, 0)
	require.NoError(t, err)
	// Flip a byte inside the first record's payload.
	_, err = f.WriteAt([]byte{0xff}, int64(headerSize)+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = log.Iterate(0, func(e *match.Event) error { return nil })
	require.ErrorContains(t, err, "crc mismatch")
}
