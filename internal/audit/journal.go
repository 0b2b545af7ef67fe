// Package audit persists the append-only event journal. Every event is keyed
// by a detection id and a sequence number that stays monotonic across
// restarts. An append is only acknowledged after the record hits disk.
package audit

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened to a detection.
type Kind uint8

const (
	KindIngested Kind = iota + 1
	KindValidationFailed
	KindGeolocated
	KindCotBuilt
	KindQueued
	KindPushed
	KindPushFailed
	KindSynced
	KindRateLimited
	KindAuthSuccess
	KindAuthFailure
	KindRetryExhausted
	KindGeolocationFailed
	KindQueueRejected
)

var kindNames = map[Kind]string{
	KindIngested:          "INGESTED",
	KindValidationFailed:  "VALIDATION_FAILED",
	KindGeolocated:        "GEOLOCATED",
	KindCotBuilt:          "COT_BUILT",
	KindQueued:            "QUEUED",
	KindPushed:            "PUSHED",
	KindPushFailed:        "PUSH_FAILED",
	KindSynced:            "SYNCED",
	KindRateLimited:       "RATE_LIMITED",
	KindAuthSuccess:       "AUTH_SUCCESS",
	KindAuthFailure:       "AUTH_FAILURE",
	KindRetryExhausted:    "RETRY_EXHAUSTED",
	KindGeolocationFailed: "GEOLOCATION_FAILED",
	KindQueueRejected:     "QUEUE_REJECTED",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND_%d", uint8(k))
}

// MarshalJSON renders the kind name; the binary journal stores the raw byte.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for kind, s := range kindNames {
		if s == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown audit kind %q", name)
}

// ErrCorrupt means an interior record failed its checksum. The journal cannot
// be trusted past that point and the process must stop (exit code 70).
var ErrCorrupt = errors.New("audit journal corrupt")

const (
	maxPrincipalLen  = 128
	maxAttributesLen = 64 * 1024

	// fixed prefix: seq(8) + detection_id(16) + kind(1) + timestamp(8) + principal_len(1)
	headerLen  = 8 + 16 + 1 + 8 + 1
	trailerLen = 4 // crc32 over everything before it
)

// Event is one journal entry.
type Event struct {
	Seq         uint64            `json:"seq"`
	DetectionID uuid.UUID         `json:"detection_id"`
	Kind        Kind              `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	Principal   string            `json:"principal"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Journal is the durable audit store. A single writer assigns sequence
// numbers; reads scan the file.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	nextSeq uint64
	now     func() time.Time
}

// Open replays the journal at path, truncating a torn final record and
// refusing to start over interior corruption.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	lastSeq, validEnd, err := replay(f, func(Event) {})
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: truncate torn tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	return &Journal{
		path:    path,
		file:    f,
		nextSeq: lastSeq + 1,
		now:     time.Now,
	}, nil
}

// WithClock replaces the time source for tests.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Append records an event. It returns only after fsync; the caller may treat
// the event as durable.
func (j *Journal) Append(detectionID uuid.UUID, kind Kind, principal string, attrs map[string]string) (Event, error) {
	if len(principal) > maxPrincipalLen {
		principal = principal[:maxPrincipalLen]
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	evt := Event{
		Seq:         j.nextSeq,
		DetectionID: detectionID,
		Kind:        kind,
		Timestamp:   j.now().UTC().Truncate(time.Millisecond),
		Principal:   principal,
		Attributes:  attrs,
	}
	rec, err := encode(evt)
	if err != nil {
		return Event{}, err
	}
	if _, err := j.file.Write(rec); err != nil {
		return Event{}, fmt.Errorf("audit: append: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("audit: fsync: %w", err)
	}
	j.nextSeq++
	return evt, nil
}

// Scan returns all events for one detection in seq order.
func (j *Journal) Scan(detectionID uuid.UUID) ([]Event, error) {
	var out []Event
	err := j.readAll(func(e Event) {
		if e.DetectionID == detectionID {
			out = append(out, e)
		}
	})
	return out, err
}

// Tail returns the most recent limit events in seq order.
func (j *Journal) Tail(limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Event
	err := j.readAll(func(e Event) {
		out = append(out, e)
		if len(out) > limit {
			out = out[1:]
		}
	})
	return out, err
}

func (j *Journal) readAll(fn func(Event)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, _, err = replay(f, fn)
	return err
}

// Sweep rewrites the journal keeping only events newer than the cutoff. The
// rewrite goes to a temp file that replaces the journal atomically, so a
// crash mid-sweep loses nothing. Sequence numbering is unaffected.
func (j *Journal) Sweep(cutoff time.Time) (dropped int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	src, err := os.Open(j.path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmpPath := j.path + ".sweep"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}
	defer tmp.Close()

	w := bufio.NewWriter(tmp)
	_, _, err = replay(src, func(e Event) {
		if e.Timestamp.Before(cutoff) {
			dropped++
			return
		}
		rec, encErr := encode(e)
		if encErr != nil {
			err = encErr
			return
		}
		if _, wErr := w.Write(rec); wErr != nil {
			err = wErr
		}
	})
	if err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := w.Flush(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	// Reopen the writer handle against the new inode.
	j.file.Close()
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("audit: reopen after sweep: %w", err)
	}
	j.file = f
	return dropped, nil
}

// RunRetention sweeps expired events once a day until stop closes.
func (j *Journal) RunRetention(retention time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			dropped, err := j.Sweep(j.now().Add(-retention))
			if err != nil {
				log.Printf("[ERROR] audit: retention sweep failed: %v", err)
				continue
			}
			if dropped > 0 {
				log.Printf("audit: retention sweep dropped %d events", dropped)
			}
		}
	}
}

func encode(e Event) ([]byte, error) {
	var attrs []byte
	if len(e.Attributes) > 0 {
		var err error
		attrs, err = json.Marshal(e.Attributes)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal attributes: %w", err)
		}
	}
	if len(attrs) > maxAttributesLen {
		return nil, fmt.Errorf("audit: attributes too large (%d bytes)", len(attrs))
	}

	buf := make([]byte, 0, headerLen+len(e.Principal)+2+len(attrs)+trailerLen)
	buf = binary.BigEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, e.DetectionID[:]...)
	buf = append(buf, byte(e.Kind))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.Timestamp.UnixMilli()))
	buf = append(buf, byte(len(e.Principal)))
	buf = append(buf, e.Principal...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(attrs)))
	buf = append(buf, attrs...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// replay walks every record from the start of r. A record that ends early is
// a torn tail from a crash and marks the valid end; a record whose checksum
// fails with more data behind it is interior corruption.
func replay(r io.ReadSeeker, fn func(Event)) (lastSeq uint64, validEnd int64, err error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}

	br := bufio.NewReader(r)
	var offset int64
	for {
		evt, n, readErr := decodeNext(br)
		if readErr == io.EOF {
			return lastSeq, offset, nil
		}
		if readErr != nil {
			// Anything short at the very end of the file is a torn write.
			if errors.Is(readErr, io.ErrUnexpectedEOF) {
				return lastSeq, offset, nil
			}
			if errors.Is(readErr, errBadChecksum) && offset+n >= size {
				return lastSeq, offset, nil
			}
			return 0, 0, fmt.Errorf("%w: record at offset %d: %v", ErrCorrupt, offset, readErr)
		}
		fn(evt)
		lastSeq = evt.Seq
		offset += n
	}
}

var errBadChecksum = errors.New("checksum mismatch")

func decodeNext(br *bufio.Reader) (Event, int64, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		if err == io.EOF {
			return Event{}, 0, io.EOF
		}
		return Event{}, 0, io.ErrUnexpectedEOF
	}

	principalLen := int(header[headerLen-1])
	rest := make([]byte, principalLen+2)
	if _, err := io.ReadFull(br, rest); err != nil {
		return Event{}, 0, io.ErrUnexpectedEOF
	}
	attrsLen := int(binary.BigEndian.Uint16(rest[principalLen:]))
	tail := make([]byte, attrsLen+trailerLen)
	if _, err := io.ReadFull(br, tail); err != nil {
		return Event{}, 0, io.ErrUnexpectedEOF
	}

	total := int64(headerLen + len(rest) + len(tail))
	body := make([]byte, 0, total-trailerLen)
	body = append(body, header...)
	body = append(body, rest...)
	body = append(body, tail[:attrsLen]...)
	want := binary.BigEndian.Uint32(tail[attrsLen:])
	if crc32.ChecksumIEEE(body) != want {
		return Event{}, total, errBadChecksum
	}

	evt := Event{
		Seq:       binary.BigEndian.Uint64(header[0:8]),
		Kind:      Kind(header[24]),
		Timestamp: time.UnixMilli(int64(binary.BigEndian.Uint64(header[25:33]))).UTC(),
		Principal: string(rest[:principalLen]),
	}
	copy(evt.DetectionID[:], header[8:24])
	if attrsLen > 0 {
		if err := json.Unmarshal(tail[:attrsLen], &evt.Attributes); err != nil {
			return Event{}, total, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return evt, total, nil
}
