// Package eventlog is the append-only durable event log: a directory of
// size-rotated segment files of CRC-framed records. It is the sole minter of
// the global log sequence; an event is durable once Append returns.
//
// Frame layout:
//
//	[type:1][seq:8][time:8][len:4][payload][crc:4]
//
// The payload is the JSON body of the event; type, seq and time in the frame
// header are authoritative. The high bit of the type byte marks the final
// frame of an atomically appended batch: recovery discards any trailing
// frames past the last commit marker, so part of a command's events can
// never surface after a crash.
package eventlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"fenrir/domain/match"
)

const (
	headerSize  = 1 + 8 + 8 + 4
	frameCommit = 0x80
)

type Config struct {
	Dir         string
	SegmentSize int64 // rotate once a segment grows past this, bytes
}

const defaultSegmentSize = 16 << 20

type Log struct {
	mu       sync.Mutex
	dir      string
	segSize  int64
	current  *segment
	segIndex int
	lastSeq  uint64
}

// Open creates or reopens the log, resuming the sequence after the highest
// committed record already on disk.
func Open(cfg Config) (*Log, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	files, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	index := 0
	if len(files) > 0 {
		index, err = segmentIndex(files[len(files)-1])
		if err != nil {
			return nil, err
		}
	}

	lastSeq, err := recoverTail(files)
	if err != nil {
		return nil, err
	}

	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}

	return &Log{
		dir:      cfg.Dir,
		segSize:  cfg.SegmentSize,
		current:  seg,
		segIndex: index,
		lastSeq:  lastSeq,
	}, nil
}

// Append logs a single-event batch.
func (l *Log) Append(ev *match.Event) (uint64, error) {
	seqs, err := l.AppendBatch([]*match.Event{ev})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch assigns contiguous sequences to the events of one command and
// writes them as a single unit: one write, one sync, the final frame
// carrying the commit marker. Either the whole batch becomes durable or
// recovery discards all of it. A failed append leaves the log unusable for
// the caller; the owning stream must halt rather than continue with an
// un-logged mutation.
func (l *Log) AppendBatch(events []*match.Event) ([]uint64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf []byte
	seqs := make([]uint64, 0, len(events))
	seq := l.lastSeq
	for i, ev := range events {
		seq++
		ev.Seq = seq
		payload, err := ev.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		typ := byte(ev.Type)
		if i == len(events)-1 {
			typ |= frameCommit
		}
		buf = appendFrame(buf, typ, seq, ev.Time, payload)
		seqs = append(seqs, seq)
	}

	if err := l.current.append(buf); err != nil {
		return nil, fmt.Errorf("append seqs %d..%d: %w", seqs[0], seq, err)
	}
	if err := l.current.sync(); err != nil {
		return nil, fmt.Errorf("sync seqs %d..%d: %w", seqs[0], seq, err)
	}

	l.lastSeq = seq

	if l.current.offset >= l.segSize {
		if err := l.rotate(); err != nil {
			return nil, err
		}
	}
	return seqs, nil
}

func appendFrame(buf []byte, typ byte, seq uint64, time int64, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload)+4)
	frame[0] = typ
	binary.BigEndian.PutUint64(frame[1:9], seq)
	binary.BigEndian.PutUint64(frame[9:17], uint64(time))
	binary.BigEndian.PutUint32(frame[17:21], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	binary.BigEndian.PutUint32(frame[headerSize+len(payload):], checksum(frame[:headerSize+len(payload)]))
	return append(buf, frame...)
}

// LastSeq returns the highest sequence durably appended.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current.close()
}

func (l *Log) rotate() error {
	if err := l.current.close(); err != nil {
		return err
	}
	l.segIndex++
	seg, err := openSegment(l.dir, l.segIndex)
	if err != nil {
		return err
	}
	l.current = seg
	return nil
}

func segmentIndex(path string) (int, error) {
	base := strings.TrimSuffix(path[strings.LastIndex(path, "segment-")+len("segment-"):], ".log")
	return strconv.Atoi(base)
}

// recoverTail restores the log to its last committed state and returns that
// sequence. Rotation creates the next segment eagerly, so the newest file
// may be empty; the scan walks backwards to the newest segment holding
// records. Frames past that segment's last commit marker are a torn or
// uncommitted batch from a crash mid-append, never acknowledged, and are
// truncated away so later appends cannot interleave with them.
func recoverTail(files []string) (uint64, error) {
	for i := len(files) - 1; i >= 0; i-- {
		lastSeq, committedEnd, err := scanCommitted(files[i])
		if err != nil {
			return 0, err
		}
		info, err := os.Stat(files[i])
		if err != nil {
			return 0, err
		}
		if committedEnd < info.Size() {
			if err := os.Truncate(files[i], committedEnd); err != nil {
				return 0, err
			}
		}
		if committedEnd > 0 {
			return lastSeq, nil
		}
	}
	return 0, nil
}

// scanCommitted walks one segment's frames and reports the sequence of the
// last commit-marked frame and the byte offset where that committed prefix
// ends. A short read or checksum failure ends the scan; everything up to
// the last commit marker before it is intact.
func scanCommitted(path string) (lastSeq uint64, committedEnd int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var offset int64
	for {
		header := make([]byte, headerSize)
		if _, err := io.ReadFull(f, header); err != nil {
			return lastSeq, committedEnd, nil
		}
		length := binary.BigEndian.Uint32(header[17:21])
		body := make([]byte, int(length)+4)
		if _, err := io.ReadFull(f, body); err != nil {
			return lastSeq, committedEnd, nil
		}
		if checksum(append(header, body[:length]...)) != binary.BigEndian.Uint32(body[length:]) {
			return lastSeq, committedEnd, nil
		}

		offset += int64(headerSize) + int64(length) + 4
		if header[0]&frameCommit != 0 {
			lastSeq = binary.BigEndian.Uint64(header[1:9])
			committedEnd = offset
		}
	}
}
