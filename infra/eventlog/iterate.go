package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"fenrir/domain/match"
)

type frameHeader struct {
	typ    match.EventType
	seq    uint64
	time   int64
	commit bool
}

// Iterate replays appended events in strict sequence order, starting after
// fromSeq. Events are surfaced a committed batch at a time: frames of a
// batch whose commit marker never made it to disk are skipped, because the
// command they belong to was never acknowledged. It reads from disk lazily
// and may be called any number of times. The callback returning an error
// stops the scan and propagates it.
func (l *Log) Iterate(fromSeq uint64, fn func(*match.Event) error) error {
	files, err := listSegments(l.dir)
	if err != nil {
		return err
	}

	var prevSeq uint64
	for i, path := range files {
		tail := i == len(files)-1
		var pending []*match.Event
		err := scanSegment(path, tail, func(frame frameHeader, payload []byte) error {
			if frame.seq <= prevSeq && prevSeq != 0 {
				return fmt.Errorf("non-monotonic seq %d after %d in %s", frame.seq, prevSeq, path)
			}
			prevSeq = frame.seq
			if frame.seq > fromSeq {
				ev, err := match.UnmarshalEvent(payload)
				if err != nil {
					return fmt.Errorf("decode seq %d: %w", frame.seq, err)
				}
				ev.Seq = frame.seq
				ev.Time = frame.time
				ev.Type = frame.typ
				pending = append(pending, ev)
			}
			if !frame.commit {
				return nil
			}
			for _, ev := range pending {
				if err := fn(ev); err != nil {
					return err
				}
			}
			pending = pending[:0]
			return nil
		})
		if err != nil {
			return err
		}
		if len(pending) > 0 && !tail {
			return fmt.Errorf("unterminated batch at end of %s", path)
		}
	}
	return nil
}

// scanSegment reads every frame of one segment. A truncated record at the
// end of the tail segment is a torn write from a crash mid-append; the
// record was never acknowledged, so the scan ends cleanly there. Anywhere
// else truncation or a checksum mismatch is corruption.
func scanSegment(path string, tail bool, fn func(frameHeader, []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		header := make([]byte, headerSize)
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) && tail {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, err)
		}

		length := binary.BigEndian.Uint32(header[17:21])
		body := make([]byte, int(length)+4)
		if _, err := io.ReadFull(f, body); err != nil {
			if (err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF)) && tail {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, err)
		}

		payload := body[:length]
		crc := binary.BigEndian.Uint32(body[length:])
		if checksum(append(header, payload...)) != crc {
			return fmt.Errorf("crc mismatch in %s", path)
		}

		frame := frameHeader{
			typ:    match.EventType(header[0] &^ frameCommit),
			seq:    binary.BigEndian.Uint64(header[1:9]),
			time:   int64(binary.BigEndian.Uint64(header[9:17])),
			commit: header[0]&frameCommit != 0,
		}
		if err := fn(frame, payload); err != nil {
			return err
		}
	}
}
