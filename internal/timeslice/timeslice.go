// Package timeslice records how long each phase of a boot attempt takes and
// writes the trace in a compact binary form.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// KindID identifies a phase name in a trace. Zero is never used.
type KindID uint64

type record struct {
	ID       KindID
	Duration int64
}

var recordSize = binary.Size(record{})

// Trace collects phase durations. A nil *Trace discards everything so that
// callers need not check whether tracing is enabled. It is not safe for
// concurrent use.
type Trace struct {
	kinds   map[KindID]string
	ids     map[string]KindID
	records []record
	last    time.Time
	now     func() time.Time
}

func New() *Trace {
	t := &Trace{
		kinds: make(map[KindID]string),
		ids:   make(map[string]KindID),
		now:   time.Now,
	}
	t.last = t.now()
	return t
}

func (t *Trace) kind(name string) KindID {
	if id, ok := t.ids[name]; ok {
		return id
	}
	id := KindID(len(t.kinds) + 1)
	t.kinds[id] = name
	t.ids[name] = id
	return id
}

// Record adds a duration for the named phase.
func (t *Trace) Record(name string, d time.Duration) {
	if t == nil {
		return
	}
	t.records = append(t.records, record{ID: t.kind(name), Duration: d.Nanoseconds()})
}

// Mark records the time since the previous mark as the named phase.
func (t *Trace) Mark(name string) {
	if t == nil {
		return
	}
	now := t.now()
	t.Record(name, now.Sub(t.last))
	t.last = now
}

// Reset starts the next mark from now without recording anything.
func (t *Trace) Reset() {
	if t == nil {
		return
	}
	t.last = t.now()
}

// WriteTo writes the header, the JSON table of phase names padded to 4 KiB,
// and then one 16 byte record per duration.
func (t *Trace) WriteTo(w io.Writer) (int64, error) {
	kinds, err := json.Marshal(t.kinds)
	if err != nil {
		return 0, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(kinds)),
	}); err != nil {
		return 0, fmt.Errorf("timeslice: write header: %w", err)
	}
	bw.Write(kinds)

	off := binary.Size(header{}) + len(kinds)
	if off%4096 != 0 {
		bw.Write(make([]byte, 4096-off%4096))
		off += 4096 - off%4096
	}

	var buf [16]byte
	for _, r := range t.records {
		binary.LittleEndian.PutUint64(buf[0:], uint64(r.ID))
		binary.LittleEndian.PutUint64(buf[8:], uint64(r.Duration))
		bw.Write(buf[:recordSize])
		off += recordSize
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("timeslice: write records: %w", err)
	}
	return int64(off), nil
}

// ReadAll calls fn for every record in a trace written by WriteTo.
func ReadAll(r io.Reader, fn func(name string, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var kinds map[KindID]string
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return err
	}

	off := int(hdr.KindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		name, ok := kinds[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.ID)
		}
		if err := fn(name, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Summary aggregates the durations of one phase.
type Summary struct {
	Name  string
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Summary) add(d time.Duration) {
	s.Count++
	s.Sum += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%-16s count=%d sum=%s min=%s max=%s", s.Name, s.Count, s.Sum, s.Min, s.Max)
}

// Summaries returns per phase totals in order of first appearance.
func (t *Trace) Summaries() []Summary {
	if t == nil {
		return nil
	}
	var out []Summary
	index := make(map[KindID]int)
	for _, r := range t.records {
		i, ok := index[r.ID]
		if !ok {
			i = len(out)
			index[r.ID] = i
			out = append(out, Summary{Name: t.kinds[r.ID]})
		}
		out[i].add(time.Duration(r.Duration))
	}
	return out
}
