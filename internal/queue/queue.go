// Package queue is the durable store-and-forward buffer between ingress and
// TAK delivery. Every state transition is a full record appended to a
// write-ahead log; replay keeps the latest record per item, so the on-disk
// file is the queue. Enqueue acknowledges only after fsync.
package queue

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a queue item.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusInFlight
	StatusSynced
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:  "PENDING",
	StatusInFlight: "IN_FLIGHT",
	StatusSynced:   "SYNCED",
	StatusFailed:   "FAILED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATUS_%d", uint8(s))
}

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrDuplicate is returned when a live item already exists for the
	// detection id.
	ErrDuplicate = errors.New("detection already queued")

	// ErrCorrupt means an interior record failed its checksum (exit code 70).
	ErrCorrupt = errors.New("queue store corrupt")

	// ErrNotInFlight is returned by state transitions that expect IN_FLIGHT.
	ErrNotInFlight = errors.New("item not in flight")
)

const (
	maxErrorLen = 256
	maxAttempts = 5

	// fixed prefix: seq(8) + detection_id(16) + enqueued_at(8) + attempts(1) +
	// next_attempt_at(8) + status(1) + error_len(2)
	headerLen  = 8 + 16 + 8 + 1 + 8 + 1 + 2
	trailerLen = 4

	// Rewrite the log once dead records outnumber live ones by this factor.
	compactRatio = 4
)

// Item is one queued CoT event.
type Item struct {
	Seq           uint64
	DetectionID   uuid.UUID
	CotXML        []byte
	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Status        Status
}

// Queue owns the WAL file and the in-memory index rebuilt from it.
type Queue struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	capacity int

	items   map[uint64]*Item // live (PENDING/IN_FLIGHT) plus terminal FAILED
	byDet   map[uuid.UUID]uint64
	nextSeq uint64
	dead    int // appended records superseded by a newer one

	jitter func(time.Duration) time.Duration
	notify chan struct{}
}

// Open replays the WAL at path. IN_FLIGHT items left by a crash revert to
// PENDING and retry immediately; a torn final record is truncated.
func Open(path string, capacity int) (*Queue, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}

	q := &Queue{
		path:     path,
		file:     f,
		capacity: capacity,
		items:    make(map[uint64]*Item),
		byDet:    make(map[uuid.UUID]uint64),
		jitter:   defaultJitter,
		notify:   make(chan struct{}, 1),
	}

	validEnd, err := q.replay(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("queue: truncate torn tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	// A crash mid-push leaves items IN_FLIGHT with no worker. Requeue them.
	for _, item := range q.items {
		if item.Status == StatusInFlight {
			item.Status = StatusPending
			item.NextAttemptAt = time.Time{}
			if err := q.appendLocked(item); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return q, nil
}

// WithJitter replaces the backoff jitter for tests.
func (q *Queue) WithJitter(fn func(time.Duration) time.Duration) *Queue {
	q.jitter = fn
	return q
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Close()
}

// Notify signals when new work may be available; the channel carries no data
// and coalesces bursts.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Size counts items that still need delivery (PENDING or IN_FLIGHT).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.liveLocked()
}

func (q *Queue) liveLocked() int {
	n := 0
	for _, item := range q.items {
		if item.Status == StatusPending || item.Status == StatusInFlight {
			n++
		}
	}
	return n
}

// Enqueue appends a new PENDING item and fsyncs before returning its seq.
func (q *Queue) Enqueue(detectionID uuid.UUID, cotXML []byte, now time.Time) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.liveLocked() >= q.capacity {
		return 0, ErrQueueFull
	}
	if seq, ok := q.byDet[detectionID]; ok {
		if it := q.items[seq]; it != nil && it.Status != StatusSynced {
			return 0, ErrDuplicate
		}
	}

	q.nextSeq++
	item := &Item{
		Seq:         q.nextSeq,
		DetectionID: detectionID,
		CotXML:      append([]byte(nil), cotXML...),
		EnqueuedAt:  now.UTC().Truncate(time.Millisecond),
		Status:      StatusPending,
	}
	if err := q.appendLocked(item); err != nil {
		q.nextSeq--
		return 0, err
	}
	q.items[item.Seq] = item
	q.byDet[detectionID] = item.Seq
	q.wake()
	return item.Seq, nil
}

// PeekBatch returns up to maxN PENDING items due by now in seq order and
// atomically marks them IN_FLIGHT.
func (q *Queue) PeekBatch(maxN int, now time.Time) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Item
	for _, item := range q.items {
		if item.Status == StatusPending && !item.NextAttemptAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	if len(due) > maxN {
		due = due[:maxN]
	}

	out := make([]Item, 0, len(due))
	for _, item := range due {
		item.Status = StatusInFlight
		if err := q.appendLocked(item); err != nil {
			item.Status = StatusPending
			return out, err
		}
		out = append(out, *item)
	}
	return out, nil
}

// MarkSynced finishes an item. Its records become eligible for compaction.
func (q *Queue) MarkSynced(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[seq]
	if !ok || item.Status != StatusInFlight {
		return ErrNotInFlight
	}
	item.Status = StatusSynced
	item.CotXML = nil
	if err := q.appendLocked(item); err != nil {
		item.Status = StatusInFlight
		return err
	}
	delete(q.items, seq)
	delete(q.byDet, item.DetectionID)
	q.dead += 2 // the SYNCED record and the superseded live one
	q.maybeCompactLocked()
	return nil
}

// MarkFailed records a transient push failure and schedules the retry. The
// fifth failure is terminal.
func (q *Queue) MarkFailed(seq uint64, pushErr string, now time.Time) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[seq]
	if !ok || item.Status != StatusInFlight {
		return 0, ErrNotInFlight
	}

	prev := *item
	item.Attempts++
	item.LastError = truncateError(pushErr)
	if item.Attempts >= maxAttempts {
		item.Status = StatusFailed
		item.NextAttemptAt = time.Time{}
	} else {
		item.Status = StatusPending
		item.NextAttemptAt = now.Add(q.jitter(backoff(item.Attempts)))
	}
	if err := q.appendLocked(item); err != nil {
		*item = prev
		return 0, err
	}
	if item.Status == StatusFailed {
		delete(q.byDet, item.DetectionID)
	} else {
		q.wake()
	}
	return item.Status, nil
}

// MarkTerminal fails an item immediately, without consuming retries. Used for
// client errors the server will never accept.
func (q *Queue) MarkTerminal(seq uint64, pushErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[seq]
	if !ok || item.Status != StatusInFlight {
		return ErrNotInFlight
	}
	prev := *item
	item.Status = StatusFailed
	item.LastError = truncateError(pushErr)
	if err := q.appendLocked(item); err != nil {
		*item = prev
		return err
	}
	delete(q.byDet, item.DetectionID)
	return nil
}

// Revert returns an IN_FLIGHT item to PENDING without counting an attempt.
// Used on shutdown when a push is cancelled rather than failed.
func (q *Queue) Revert(seq uint64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[seq]
	if !ok || item.Status != StatusInFlight {
		return ErrNotInFlight
	}
	prev := *item
	item.Status = StatusPending
	item.LastError = truncateError(reason)
	if err := q.appendLocked(item); err != nil {
		*item = prev
		return err
	}
	return nil
}

// DropOldestPending evicts up to n of the oldest PENDING items. Only legal at
// capacity; the caller must audit each dropped item as RETRY_EXHAUSTED.
func (q *Queue) DropOldestPending(n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.liveLocked() < q.capacity {
		return nil, errors.New("queue not at capacity")
	}

	var pending []*Item
	for _, item := range q.items {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	if len(pending) > n {
		pending = pending[:n]
	}

	dropped := make([]Item, 0, len(pending))
	for _, item := range pending {
		prev := *item
		item.Status = StatusFailed
		item.LastError = "evicted at capacity"
		if err := q.appendLocked(item); err != nil {
			*item = prev
			return dropped, err
		}
		delete(q.byDet, item.DetectionID)
		dropped = append(dropped, *item)
	}
	return dropped, nil
}

// Failed returns terminal FAILED items, oldest first.
func (q *Queue) Failed() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Item
	for _, item := range q.items {
		if item.Status == StatusFailed {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// appendLocked writes one record and fsyncs.
func (q *Queue) appendLocked(item *Item) error {
	rec := encode(item)
	if _, err := q.file.Write(rec); err != nil {
		return fmt.Errorf("queue: append: %w", err)
	}
	if err := q.file.Sync(); err != nil {
		return fmt.Errorf("queue: fsync: %w", err)
	}
	if item.Status != StatusPending || item.Attempts > 0 || item.LastError != "" {
		// Heuristic only; exact dead counts are recomputed by replay.
		q.dead++
	}
	return nil
}

// maybeCompactLocked rewrites the WAL keeping one record per surviving item
// once superseded records dominate the file.
func (q *Queue) maybeCompactLocked() {
	if q.dead < compactRatio*(len(q.items)+1) {
		return
	}
	if err := q.compactLocked(); err != nil {
		// Compaction is an optimization; the WAL stays correct without it.
		return
	}
}

func (q *Queue) compactLocked() error {
	tmpPath := q.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer tmp.Close()

	w := bufio.NewWriter(tmp)
	seqs := make([]uint64, 0, len(q.items))
	for seq := range q.items {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		if _, err := w.Write(encode(q.items[seq])); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}
	// Preserve the seq high water mark across restarts even when the highest
	// item was pruned.
	if len(seqs) == 0 || seqs[len(seqs)-1] < q.nextSeq {
		marker := &Item{Seq: q.nextSeq, Status: StatusSynced}
		if _, err := w.Write(encode(marker)); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	q.file.Close()
	f, err := os.OpenFile(q.path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("queue: reopen after compaction: %w", err)
	}
	q.file = f
	q.dead = 0
	return nil
}

func backoff(attempts int) time.Duration {
	// 1s, 2s, 4s, 8s, 16s
	return time.Second << uint(attempts-1)
}

func defaultJitter(d time.Duration) time.Duration {
	// +/-20%
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func truncateError(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}

func encode(item *Item) []byte {
	errBytes := []byte(item.LastError)
	buf := make([]byte, 0, headerLen+len(errBytes)+4+len(item.CotXML)+trailerLen)
	buf = binary.BigEndian.AppendUint64(buf, item.Seq)
	buf = append(buf, item.DetectionID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, toMillis(item.EnqueuedAt))
	buf = append(buf, byte(item.Attempts))
	buf = binary.BigEndian.AppendUint64(buf, toMillis(item.NextAttemptAt))
	buf = append(buf, byte(item.Status))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(errBytes)))
	buf = append(buf, errBytes...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(item.CotXML)))
	buf = append(buf, item.CotXML...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf
}

func toMillis(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

func fromMillis(ms uint64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

// replay rebuilds the index from the WAL. The latest record per seq wins.
func (q *Queue) replay(f *os.File) (validEnd int64, err error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	br := bufio.NewReader(f)
	var offset int64
	records := 0
	for {
		item, n, readErr := decodeNext(br)
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if errors.Is(readErr, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			if errors.Is(readErr, errBadChecksum) && offset+n >= size {
				return offset, nil
			}
			return 0, fmt.Errorf("%w: record at offset %d: %v", ErrCorrupt, offset, readErr)
		}
		records++
		offset += n
		if item.Seq > q.nextSeq {
			q.nextSeq = item.Seq
		}
		if prev, ok := q.items[item.Seq]; ok {
			delete(q.byDet, prev.DetectionID)
		}
		if item.Status == StatusSynced {
			delete(q.items, item.Seq)
			continue
		}
		q.items[item.Seq] = item
		if item.Status != StatusFailed {
			q.byDet[item.DetectionID] = item.Seq
		}
	}
	q.dead = records - len(q.items)
	if q.dead < 0 {
		q.dead = 0
	}
	return offset, nil
}

var errBadChecksum = errors.New("checksum mismatch")

func decodeNext(br *bufio.Reader) (*Item, int64, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, io.ErrUnexpectedEOF
	}

	errLen := int(binary.BigEndian.Uint16(header[headerLen-2:]))
	if errLen > maxErrorLen {
		return nil, int64(headerLen), errBadChecksum
	}
	mid := make([]byte, errLen+4)
	if _, err := io.ReadFull(br, mid); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	xmlLen := int(binary.BigEndian.Uint32(mid[errLen:]))
	if xmlLen > 1<<20 {
		return nil, int64(headerLen + len(mid)), errBadChecksum
	}
	tail := make([]byte, xmlLen+trailerLen)
	if _, err := io.ReadFull(br, tail); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}

	total := int64(headerLen + len(mid) + len(tail))
	body := make([]byte, 0, total-trailerLen)
	body = append(body, header...)
	body = append(body, mid...)
	body = append(body, tail[:xmlLen]...)
	want := binary.BigEndian.Uint32(tail[xmlLen:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, total, errBadChecksum
	}

	item := &Item{
		Seq:           binary.BigEndian.Uint64(header[0:8]),
		EnqueuedAt:    fromMillis(binary.BigEndian.Uint64(header[24:32])),
		Attempts:      int(header[32]),
		NextAttemptAt: fromMillis(binary.BigEndian.Uint64(header[33:41])),
		Status:        Status(header[41]),
		LastError:     string(mid[:errLen]),
	}
	copy(item.DetectionID[:], header[8:24])
	if xmlLen > 0 {
		item.CotXML = append([]byte(nil), tail[:xmlLen]...)
	}
	return item, total, nil
}
