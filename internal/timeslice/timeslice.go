// Package timeslice records where a VM spends its wall-clock time. Each
// record is a (kind, duration) pair; a trace is a header, a JSON table of
// kinds and a stream of fixed-size records.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

// Kind identifies what a slice of time was spent on. Zero is invalid.
type Kind uint64

type SliceFlags uint32

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagInitTime
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

// Kinds every VM records.
const (
	Init Kind = iota + 1
	Compile
	Native
	Interpret
	Trap
	Patch
)

// Kinds is a set of registered kinds. Each trace carries its own table, so
// two VMs can record with different sets.
type Kinds struct {
	infos map[Kind]SliceInfo
}

// DefaultKinds returns a set holding the VM kinds.
func DefaultKinds() *Kinds {
	k := &Kinds{infos: make(map[Kind]SliceInfo)}
	for _, s := range []SliceInfo{
		{"init", SliceFlagInitTime},
		{"compile", 0},
		{"native", SliceFlagGuestTime},
		{"interpret", SliceFlagGuestTime},
		{"trap", 0},
		{"patch", 0},
	} {
		k.Register(s.Name, s.Flags)
	}
	return k
}

// Register adds a kind and returns its id.
func (k *Kinds) Register(name string, flags SliceFlags) Kind {
	id := Kind(len(k.infos) + 1)
	k.infos[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

func (k *Kinds) Info(id Kind) (SliceInfo, bool) {
	s, ok := k.infos[id]
	return s, ok
}

type record struct {
	ID       Kind
	Duration int64
}

var recordSize = binary.Size(record{})

// Writer streams records to an io.Writer from a background goroutine.
type Writer struct {
	w         io.Writer
	records   chan record
	done      chan error
	closeOnce sync.Once
	closeErr  error
}

// Open writes the trace header for kinds and starts the writer.
func Open(w io.Writer, kinds *Kinds) (*Writer, error) {
	slices, err := json.Marshal(kinds.infos)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(slices); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	// pad to 4096 so the records are aligned
	off := binary.Size(header{}) + len(slices)
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &Writer{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	go wr.run()
	return wr, nil
}

func (w *Writer) run() {
	var buf [4096]byte
	off := 0

	// write records to the buffer flushing to the writer when the buffer is full
	for r := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				for range w.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(r.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(r.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

// Record queues one record.
func (w *Writer) Record(id Kind, d time.Duration) {
	w.records <- record{ID: id, Duration: d.Nanoseconds()}
}

// Close flushes pending records. Closing twice returns the first result.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.records)
		if err := <-w.done; err != nil {
			w.closeErr = fmt.Errorf("timeslice: write records: %w", err)
		}
	})
	return w.closeErr
}

// Recorder attributes the time since its previous mark to a kind. A nil
// Recorder records nothing, so callers need no checks. Not safe for
// concurrent use.
type Recorder struct {
	w    *Writer
	last time.Time
}

func NewRecorder(w *Writer) *Recorder {
	return &Recorder{w: w, last: time.Now()}
}

// Mark restarts the clock without recording.
func (r *Recorder) Mark() {
	if r == nil {
		return
	}
	r.last = time.Now()
}

// Record attributes the time since the last Mark or Record to id.
func (r *Recorder) Record(id Kind) {
	if r == nil {
		return
	}
	now := time.Now()
	r.w.Record(id, now.Sub(r.last))
	r.last = now
}

var errBadMagic = errors.New("timeslice: invalid magic")

// ReadAllRecords decodes a trace, calling fn for every record in order.
func ReadAllRecords(r io.Reader, fn func(kind string, flags SliceFlags, duration time.Duration) error) error {
	var kinds map[Kind]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Magic != Magic {
		return errBadMagic
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(h.RecordKindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return err
	}

	// skip the padding
	off := int(h.RecordKindsLength) + binary.Size(h)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		info, ok := kinds[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(info.Name, info.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
	return nil
}

// Summary is the total time and count per kind in a trace.
type Summary struct {
	Name     string
	Flags    SliceFlags
	Count    int
	Duration time.Duration
}

// Summarize reads a whole trace and totals it per kind, ordered by
// descending time.
func Summarize(r io.Reader) ([]Summary, error) {
	byName := make(map[string]*Summary)
	var order []string
	err := ReadAllRecords(r, func(kind string, flags SliceFlags, d time.Duration) error {
		s, ok := byName[kind]
		if !ok {
			s = &Summary{Name: kind, Flags: flags}
			byName[kind] = s
			order = append(order, kind)
		}
		s.Count++
		s.Duration += d
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	return out, nil
}
