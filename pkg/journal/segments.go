package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Offset is the position of a record; the first record is at 1.
type Offset uint64

// Record is one stored payload.
type Record struct {
	Offset Offset
	Data   []byte
}

var (
	ErrClosed      = errors.New("journal is closed")
	ErrEmptyRecord = errors.New("record cannot be empty")
)

// record layout, little endian: [offset u64][len u32][crc32 u32][data]
const headerSize = 16

// segmentStore is an append-only log split into numbered segment files.
// Writes are buffered; Read and Sync flush the buffer first.
type segmentStore struct {
	dir             string
	maxSegmentBytes int64
	fsync           bool

	mu         sync.Mutex
	closed     bool
	next       Offset
	activeID   int
	activeFile *os.File
	activeBuf  *bufio.Writer
	activeSize int64
}

func openSegmentStore(dir string, maxSegmentBytes int64, fsync bool) (*segmentStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal directory is required")
	}
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = 16 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &segmentStore{dir: dir, maxSegmentBytes: maxSegmentBytes, fsync: fsync}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover finds the next offset and reopens the last segment, cutting off a
// torn or corrupt tail left by a crash.
func (s *segmentStore) recover() error {
	segs, err := listSegments(s.dir)
	if err != nil {
		return err
	}
	s.activeID = 1
	last := Offset(0)
	for i, seg := range segs {
		res, err := scanSegment(seg.path, 0, 0)
		if err != nil {
			return err
		}
		if res.last > last {
			last = res.last
		}
		if i == len(segs)-1 {
			s.activeID = seg.id
			if err := os.Truncate(seg.path, res.validBytes); err != nil {
				return fmt.Errorf("truncate torn segment %s: %w", seg.path, err)
			}
		}
	}
	s.next = last + 1
	return s.openActive()
}

func (s *segmentStore) openActive() error {
	f, err := os.OpenFile(segmentPath(s.dir, s.activeID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.activeFile = f
	s.activeSize = st.Size()
	s.activeBuf = bufio.NewWriterSize(f, 64<<10)
	return nil
}

func (s *segmentStore) append(data []byte) (Offset, error) {
	if len(data) == 0 {
		return 0, ErrEmptyRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	size := int64(headerSize + len(data))
	if s.activeSize > 0 && s.activeSize+size > s.maxSegmentBytes {
		if err := s.rotateLocked(); err != nil {
			return 0, err
		}
	}

	off := s.next
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(off))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(data)))
	binary.LittleEndian.PutUint32(hdr[12:16], crc32.ChecksumIEEE(data))
	if _, err := s.activeBuf.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := s.activeBuf.Write(data); err != nil {
		return 0, err
	}
	s.activeSize += size
	s.next++

	if s.fsync {
		if err := s.syncLocked(); err != nil {
			return off, err
		}
	}
	return off, nil
}

func (s *segmentStore) rotateLocked() error {
	if err := s.syncLocked(); err != nil {
		return err
	}
	if err := s.activeFile.Close(); err != nil {
		return err
	}
	s.activeID++
	return s.openActive()
}

func (s *segmentStore) syncLocked() error {
	if err := s.activeBuf.Flush(); err != nil {
		return err
	}
	if s.fsync {
		return s.activeFile.Sync()
	}
	return nil
}

func (s *segmentStore) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.syncLocked()
}

// read returns up to limit records starting at from.
func (s *segmentStore) read(from Offset, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	err := s.activeBuf.Flush()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	segs, err := listSegments(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, seg := range segs {
		res, err := scanSegment(seg.path, from, limit-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, res.records...)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *segmentStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.activeBuf.Flush()
	if cerr := s.activeFile.Close(); err == nil {
		err = cerr
	}
	return err
}

type segInfo struct {
	id   int
	path string
}

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", id))
}

func listSegments(dir string) ([]segInfo, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []segInfo
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".log"))
		if err != nil {
			continue
		}
		segs = append(segs, segInfo{id: id, path: filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs, nil
}

type scanResult struct {
	records    []Record
	last       Offset
	validBytes int64
}

// scanSegment walks a segment until EOF or the first damaged record.
// Records at or after from are collected, up to limit; a limit of zero
// collects nothing and only measures the segment.
func scanSegment(path string, from Offset, limit int) (scanResult, error) {
	var res scanResult
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return res, nil
			}
			return res, err
		}
		off := Offset(binary.LittleEndian.Uint64(hdr[0:8]))
		n := binary.LittleEndian.Uint32(hdr[8:12])
		sum := binary.LittleEndian.Uint32(hdr[12:16])

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return res, nil
			}
			return res, err
		}
		if crc32.ChecksumIEEE(data) != sum {
			return res, nil
		}

		res.validBytes += int64(headerSize) + int64(n)
		res.last = off
		if off >= from && len(res.records) < limit {
			res.records = append(res.records, Record{Offset: off, Data: data})
			if len(res.records) == limit {
				return res, nil
			}
		}
	}
}
