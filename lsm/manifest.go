package lsm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

const (
	manifestMagic   uint32 = 0x12345678
	manifestVersion uint32 = 1

	manifestName    = "MANIFEST"
	manifestTmpName = "MANIFEST.tmp"
	manifestLogName = "MANIFEST.log"
)

// ErrManifestCorrupt reports a structurally invalid MANIFEST snapshot
// or a mid-record inconsistency in the edit log.
var ErrManifestCorrupt = errors.New("manifest: corrupt")

// ManifestOp identifies an edit-log operation.
type ManifestOp uint8

const (
	OpSetNextFileNumber ManifestOp = 1
	OpAddSST            ManifestOp = 2
	OpDelSST            ManifestOp = 3
	OpAddWAL            ManifestOp = 4
	OpDelWAL            ManifestOp = 5
)

// editPayloadSize returns the payload size for op. The same table is
// used on write and on replay; a mismatch on replay is a hard error.
func editPayloadSize(op ManifestOp) (uint32, bool) {
	switch op {
	case OpSetNextFileNumber, OpDelSST, OpAddWAL, OpDelWAL:
		return 8, true
	case OpAddSST:
		return 12, true
	default:
		return 0, false
	}
}

// Manifest is the durable catalog of live files. The in-memory state
// is the snapshot file composed with a replay of the edit log; after
// CheckpointThreshold edits the snapshot is rewritten atomically and
// the log truncated. All methods are called from a single actor (the
// holder of the DB catalog mutex).
type Manifest struct {
	dir    string
	logger *zap.Logger

	checkpointThreshold  int
	editsSinceCheckpoint int

	// NextFileNumber is the last issued file number; numbers are never
	// reused.
	NextFileNumber uint64
	// SSTLevels maps a live SSTable's file number to its level.
	SSTLevels map[uint64]uint32
	// LiveWALs holds the file numbers of WALs that may still carry
	// unflushed records.
	LiveWALs map[uint64]struct{}
}

// NewManifest creates an empty in-memory catalog for dir.
func NewManifest(dir string, checkpointThreshold int, logger *zap.Logger) *Manifest {
	return &Manifest{
		dir:                 dir,
		logger:              logger,
		checkpointThreshold: checkpointThreshold,
		SSTLevels:           make(map[uint64]uint32),
		LiveWALs:            make(map[uint64]struct{}),
	}
}

// AllocateFileNumber issues the next file number and records the edit.
func (m *Manifest) AllocateFileNumber() uint64 {
	m.NextFileNumber++
	m.RecordEdit(OpSetNextFileNumber, m.NextFileNumber, 0)
	return m.NextFileNumber
}

// AddSST registers an SSTable at the given level.
func (m *Manifest) AddSST(id uint64, level uint32) {
	m.SSTLevels[id] = level
	m.RecordEdit(OpAddSST, id, level)
}

// RemoveSST drops an SSTable from the catalog.
func (m *Manifest) RemoveSST(id uint64) {
	delete(m.SSTLevels, id)
	m.RecordEdit(OpDelSST, id, 0)
}

// AddWAL registers a live WAL.
func (m *Manifest) AddWAL(id uint64) {
	m.LiveWALs[id] = struct{}{}
	m.RecordEdit(OpAddWAL, id, 0)
}

// RemoveWAL drops a WAL from the catalog.
func (m *Manifest) RemoveWAL(id uint64) {
	delete(m.LiveWALs, id)
	m.RecordEdit(OpDelWAL, id, 0)
}

// RecordEdit appends one edit to the log. If the append fails, the
// full snapshot is rewritten as a best-effort fallback. Crossing the
// checkpoint threshold triggers a checkpoint.
func (m *Manifest) RecordEdit(op ManifestOp, id uint64, level uint32) {
	if err := m.appendEdit(op, id, level); err != nil {
		m.logger.Error("manifest edit append failed, falling back to snapshot",
			zap.Uint8("op", uint8(op)), zap.Error(err))
		if perr := m.PersistSnapshot(); perr != nil {
			m.logger.Error("fallback snapshot failed", zap.Error(perr))
		}
		return
	}
	m.editsSinceCheckpoint++
	if m.editsSinceCheckpoint >= m.checkpointThreshold {
		m.Checkpoint()
	}
}

// Edit record layout: [magic(4)][version(4)][op(1)][payloadSize(4)][payload]
// Payload is id(8), or id(8)+level(4) for AddSST.
func (m *Manifest) appendEdit(op ManifestOp, id uint64, level uint32) error {
	payloadSize, ok := editPayloadSize(op)
	if !ok {
		return fmt.Errorf("unknown manifest op %d", op)
	}

	buf := make([]byte, 13+payloadSize)
	binary.LittleEndian.PutUint32(buf[0:], manifestMagic)
	binary.LittleEndian.PutUint32(buf[4:], manifestVersion)
	buf[8] = byte(op)
	binary.LittleEndian.PutUint32(buf[9:], payloadSize)
	binary.LittleEndian.PutUint64(buf[13:], id)
	if op == OpAddSST {
		binary.LittleEndian.PutUint32(buf[21:], level)
	}

	file, err := os.OpenFile(m.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Checkpoint rewrites the snapshot and truncates the edit log. If the
// snapshot fails the log is kept; if the truncate fails the log
// remains, which is harmless because replaying its edits over the new
// snapshot is idempotent.
func (m *Manifest) Checkpoint() {
	if err := m.PersistSnapshot(); err != nil {
		m.logger.Error("checkpoint snapshot failed, keeping edit log", zap.Error(err))
		return
	}
	if err := os.Truncate(m.logPath(), 0); err != nil && !os.IsNotExist(err) {
		m.logger.Error("checkpoint truncate failed after snapshot", zap.Error(err))
		return
	}
	m.editsSinceCheckpoint = 0
	m.logger.Info("manifest checkpoint completed")
}

// PersistSnapshot writes the full catalog to MANIFEST.tmp and renames
// it over MANIFEST, an all-or-nothing replacement.
// Snapshot layout: [magic(4)][version(4)][nextFileNumber(8)]
// [sstCount(4)][(id(8), level(4)) * sstCount, ascending by id]
// [walCount(4)][id(8) * walCount, ascending]
func (m *Manifest) PersistSnapshot() error {
	sstIDs := make([]uint64, 0, len(m.SSTLevels))
	for id := range m.SSTLevels {
		sstIDs = append(sstIDs, id)
	}
	sort.Slice(sstIDs, func(i, j int) bool { return sstIDs[i] < sstIDs[j] })

	walIDs := make([]uint64, 0, len(m.LiveWALs))
	for id := range m.LiveWALs {
		walIDs = append(walIDs, id)
	}
	sort.Slice(walIDs, func(i, j int) bool { return walIDs[i] < walIDs[j] })

	buf := make([]byte, 0, 24+12*len(sstIDs)+8*len(walIDs))
	var n8 [8]byte
	var n4 [4]byte

	binary.LittleEndian.PutUint32(n4[:], manifestMagic)
	buf = append(buf, n4[:]...)
	binary.LittleEndian.PutUint32(n4[:], manifestVersion)
	buf = append(buf, n4[:]...)
	binary.LittleEndian.PutUint64(n8[:], m.NextFileNumber)
	buf = append(buf, n8[:]...)

	binary.LittleEndian.PutUint32(n4[:], uint32(len(sstIDs)))
	buf = append(buf, n4[:]...)
	for _, id := range sstIDs {
		binary.LittleEndian.PutUint64(n8[:], id)
		buf = append(buf, n8[:]...)
		binary.LittleEndian.PutUint32(n4[:], m.SSTLevels[id])
		buf = append(buf, n4[:]...)
	}

	binary.LittleEndian.PutUint32(n4[:], uint32(len(walIDs)))
	buf = append(buf, n4[:]...)
	for _, id := range walIDs {
		binary.LittleEndian.PutUint64(n8[:], id)
		buf = append(buf, n8[:]...)
	}

	tmpPath := filepath.Join(m.dir, manifestTmpName)
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open manifest tmp: %w", err)
	}
	if _, err := file.Write(buf); err != nil {
		file.Close()
		return fmt.Errorf("failed to write manifest tmp: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync manifest tmp: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close manifest tmp: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(m.dir, manifestName)); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// LoadSnapshot reads the MANIFEST snapshot into memory. It returns
// false with a nil error when no snapshot exists.
func (m *Manifest) LoadSnapshot() (bool, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, manifestName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read manifest: %w", err)
	}

	if len(data) < 20 {
		return false, fmt.Errorf("%w: snapshot too small", ErrManifestCorrupt)
	}
	if binary.LittleEndian.Uint32(data[0:]) != manifestMagic {
		return false, fmt.Errorf("%w: bad snapshot magic", ErrManifestCorrupt)
	}
	if binary.LittleEndian.Uint32(data[4:]) != manifestVersion {
		return false, fmt.Errorf("%w: unsupported snapshot version", ErrManifestCorrupt)
	}
	m.NextFileNumber = binary.LittleEndian.Uint64(data[8:])

	sstCount := int(binary.LittleEndian.Uint32(data[16:]))
	m.SSTLevels = make(map[uint64]uint32, sstCount)
	pos := 20
	for i := 0; i < sstCount; i++ {
		if pos+12 > len(data) {
			return false, fmt.Errorf("%w: truncated sst table", ErrManifestCorrupt)
		}
		id := binary.LittleEndian.Uint64(data[pos:])
		level := binary.LittleEndian.Uint32(data[pos+8:])
		m.SSTLevels[id] = level
		pos += 12
	}

	if pos+4 > len(data) {
		return false, fmt.Errorf("%w: truncated wal count", ErrManifestCorrupt)
	}
	walCount := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	m.LiveWALs = make(map[uint64]struct{}, walCount)
	for i := 0; i < walCount; i++ {
		if pos+8 > len(data) {
			return false, fmt.Errorf("%w: truncated wal table", ErrManifestCorrupt)
		}
		m.LiveWALs[binary.LittleEndian.Uint64(data[pos:])] = struct{}{}
		pos += 8
	}
	return true, nil
}

// ReplayLog applies the edit log on top of the current state. A magic
// or structural mismatch mid-record is a hard error; a truncated
// record at the trailing edge is silently discarded. Replay is
// idempotent: applying the same log twice yields the same state.
func (m *Manifest) ReplayLog() error {
	data, err := os.ReadFile(m.logPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest log: %w", err)
	}

	pos := 0
	for pos < len(data) {
		if pos+4 > len(data) {
			m.logger.Warn("truncated manifest record header, discarding tail")
			break
		}
		if binary.LittleEndian.Uint32(data[pos:]) != manifestMagic {
			return fmt.Errorf("%w: edit record magic mismatch at offset %d", ErrManifestCorrupt, pos)
		}
		if pos+13 > len(data) {
			m.logger.Warn("truncated manifest record header, discarding tail")
			break
		}
		version := binary.LittleEndian.Uint32(data[pos+4:])
		if version != manifestVersion {
			return fmt.Errorf("%w: unsupported edit version %d", ErrManifestCorrupt, version)
		}
		op := ManifestOp(data[pos+8])
		want, ok := editPayloadSize(op)
		if !ok {
			return fmt.Errorf("%w: unknown edit op %d", ErrManifestCorrupt, op)
		}
		got := binary.LittleEndian.Uint32(data[pos+9:])
		if got != want {
			return fmt.Errorf("%w: edit payload size %d, want %d", ErrManifestCorrupt, got, want)
		}
		if pos+13+int(want) > len(data) {
			m.logger.Warn("truncated manifest record payload, discarding tail")
			break
		}

		id := binary.LittleEndian.Uint64(data[pos+13:])
		var level uint32
		if op == OpAddSST {
			level = binary.LittleEndian.Uint32(data[pos+21:])
		}
		m.applyEdit(op, id, level)
		pos += 13 + int(want)
	}
	return nil
}

func (m *Manifest) applyEdit(op ManifestOp, id uint64, level uint32) {
	switch op {
	case OpSetNextFileNumber:
		m.NextFileNumber = id
	case OpAddSST:
		m.SSTLevels[id] = level
	case OpDelSST:
		delete(m.SSTLevels, id)
	case OpAddWAL:
		m.LiveWALs[id] = struct{}{}
	case OpDelWAL:
		delete(m.LiveWALs, id)
	}
}

func (m *Manifest) logPath() string {
	return filepath.Join(m.dir, manifestLogName)
}
