package statestore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/toolchainlabs/remexec/pkg/util"
)

var (
	walStateStorePrometheusMetrics sync.Once

	walStateStoreRecordsAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "statestore",
			Name:      "wal_records_appended_total",
			Help:      "Number of transition records appended to the journal.",
		})
	walStateStoreSnapshotsTakenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "statestore",
			Name:      "wal_snapshots_taken_total",
			Help:      "Number of times the journal was rotated into a snapshot.",
		})
)

// Journal records can in principle hold an entire serialized
// ActionResult, so the line scanner needs a generous upper bound.
const maximumRecordSizeBytes = 16 * 1024 * 1024

// WALStateStore is a StateStore backed by a directory holding a
// zstd-compressed snapshot file and a journal of JSON-line transition
// records. Both carry a sequence number in their name that is
// incremented whenever a snapshot is taken, so that a crash between
// writing the new snapshot and removing the old journal can never cause
// records to be replayed on top of a snapshot that already contains
// them.
type WALStateStore struct {
	directory string

	lock           sync.Mutex
	sequenceNumber uint64
	journal        *os.File
}

// NewWALStateStore opens the state store contained in a directory,
// creating an empty one if the directory holds no previous state.
func NewWALStateStore(directory string) (*WALStateStore, error) {
	walStateStorePrometheusMetrics.Do(func() {
		prometheus.MustRegister(walStateStoreRecordsAppendedTotal)
		prometheus.MustRegister(walStateStoreSnapshotsTakenTotal)
	})

	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to read state directory %#v", directory)
	}
	var sequenceNumber uint64
	for _, entry := range entries {
		if s, ok := parseSequenceNumber(entry.Name()); ok && s > sequenceNumber {
			sequenceNumber = s
		}
	}

	ss := &WALStateStore{
		directory:      directory,
		sequenceNumber: sequenceNumber,
	}
	journal, err := os.OpenFile(ss.journalPath(sequenceNumber), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open journal %#v", ss.journalPath(sequenceNumber))
	}
	ss.journal = journal
	return ss, nil
}

func parseSequenceNumber(filename string) (uint64, bool) {
	var s string
	if strings.HasPrefix(filename, "snapshot-") && strings.HasSuffix(filename, ".json.zst") {
		s = strings.TrimSuffix(strings.TrimPrefix(filename, "snapshot-"), ".json.zst")
	} else if strings.HasPrefix(filename, "journal-") && strings.HasSuffix(filename, ".jsonl") {
		s = strings.TrimSuffix(strings.TrimPrefix(filename, "journal-"), ".jsonl")
	} else {
		return 0, false
	}
	sequenceNumber, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return sequenceNumber, true
}

func (ss *WALStateStore) snapshotPath(sequenceNumber uint64) string {
	return filepath.Join(ss.directory, fmt.Sprintf("snapshot-%d.json.zst", sequenceNumber))
}

func (ss *WALStateStore) journalPath(sequenceNumber uint64) string {
	return filepath.Join(ss.directory, fmt.Sprintf("journal-%d.jsonl", sequenceNumber))
}

// syncDirectory flushes the directory itself, so that renames and file
// creations performed inside it survive a crash.
func (ss *WALStateStore) syncDirectory() error {
	d, err := os.Open(ss.directory)
	if err != nil {
		return err
	}
	err = d.Sync()
	d.Close()
	return err
}

// Append writes one transition record to the journal and flushes it to
// stable storage before returning.
func (ss *WALStateStore) Append(record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return util.StatusWrap(err, "Failed to marshal transition record")
	}
	data = append(data, '\n')

	ss.lock.Lock()
	defer ss.lock.Unlock()

	if _, err := ss.journal.Write(data); err != nil {
		return util.StatusWrap(err, "Failed to write transition record")
	}
	if err := ss.journal.Sync(); err != nil {
		return util.StatusWrap(err, "Failed to synchronize journal")
	}
	walStateStoreRecordsAppendedTotal.Inc()
	return nil
}

// TakeSnapshot writes a compressed snapshot of the full state and
// starts a fresh journal. The previous snapshot and journal are removed
// only after the new snapshot is durable.
func (ss *WALStateStore) TakeSnapshot(snapshot interface{}) error {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	oldSequenceNumber := ss.sequenceNumber
	newSequenceNumber := oldSequenceNumber + 1
	snapshotPath := ss.snapshotPath(newSequenceNumber)
	temporaryPath := snapshotPath + ".tmp"

	f, err := os.OpenFile(temporaryPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return util.StatusWrapf(err, "Failed to create snapshot %#v", temporaryPath)
	}
	encoder, err := zstd.NewWriter(f, zstd.WithEncoderConcurrency(1))
	if err != nil {
		f.Close()
		return util.StatusWrap(err, "Failed to create zstd encoder")
	}
	if err := json.NewEncoder(encoder).Encode(snapshot); err != nil {
		encoder.Close()
		f.Close()
		return util.StatusWrap(err, "Failed to marshal snapshot")
	}
	if err := encoder.Close(); err != nil {
		f.Close()
		return util.StatusWrap(err, "Failed to finalize snapshot")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return util.StatusWrap(err, "Failed to synchronize snapshot")
	}
	if err := f.Close(); err != nil {
		return util.StatusWrap(err, "Failed to close snapshot")
	}
	if err := os.Rename(temporaryPath, snapshotPath); err != nil {
		return util.StatusWrapf(err, "Failed to rename snapshot to %#v", snapshotPath)
	}

	journal, err := os.OpenFile(ss.journalPath(newSequenceNumber), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return util.StatusWrapf(err, "Failed to create journal %#v", ss.journalPath(newSequenceNumber))
	}
	if err := ss.syncDirectory(); err != nil {
		journal.Close()
		return util.StatusWrap(err, "Failed to synchronize state directory")
	}

	// The new snapshot and journal are durable at this point. The
	// previous generation can safely disappear; failing to remove it
	// only wastes space, as Restore() always picks the highest
	// sequence number.
	ss.journal.Close()
	ss.journal = journal
	ss.sequenceNumber = newSequenceNumber
	os.Remove(ss.snapshotPath(oldSequenceNumber))
	os.Remove(ss.journalPath(oldSequenceNumber))
	walStateStoreSnapshotsTakenTotal.Inc()
	return nil
}

// Restore loads the snapshot, if any, and replays the journal records
// appended after it.
func (ss *WALStateStore) Restore(applySnapshot, replay func(data json.RawMessage) error) error {
	ss.lock.Lock()
	sequenceNumber := ss.sequenceNumber
	ss.lock.Unlock()

	snapshotPath := ss.snapshotPath(sequenceNumber)
	if f, err := os.Open(snapshotPath); err == nil {
		decoder, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			f.Close()
			return util.StatusWrap(err, "Failed to create zstd decoder")
		}
		var snapshot json.RawMessage
		err = json.NewDecoder(decoder).Decode(&snapshot)
		decoder.Close()
		f.Close()
		if err != nil {
			return util.StatusWrapf(err, "Failed to unmarshal snapshot %#v", snapshotPath)
		}
		if err := applySnapshot(snapshot); err != nil {
			return util.StatusWrapf(err, "Failed to apply snapshot %#v", snapshotPath)
		}
	} else if !os.IsNotExist(err) {
		return util.StatusWrapf(err, "Failed to open snapshot %#v", snapshotPath)
	}

	journalPath := ss.journalPath(sequenceNumber)
	f, err := os.Open(journalPath)
	if err != nil {
		return util.StatusWrapf(err, "Failed to open journal %#v", journalPath)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, maximumRecordSizeBytes)
	for scanner.Scan() {
		record := json.RawMessage(scanner.Bytes())
		if !json.Valid(record) {
			// A crash while appending can leave a torn record
			// at the end of the journal. It was never applied
			// durably, so replay simply stops here.
			break
		}
		if err := replay(record); err != nil {
			return util.StatusWrap(err, "Failed to replay transition record")
		}
	}
	if err := scanner.Err(); err != nil {
		return util.StatusWrapf(err, "Failed to read journal %#v", journalPath)
	}
	return nil
}

// Close releases the journal file handle. Append() and TakeSnapshot()
// must not be called afterwards.
func (ss *WALStateStore) Close() error {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.journal.Close()
}
