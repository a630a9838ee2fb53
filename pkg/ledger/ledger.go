package ledger

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/alphafactory/hive/pkg/envelope"
	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/metrics"
)

const (
	hashSize = sha256.Size

	// queueHighWater is the append queue depth above which best-effort
	// records (heartbeats) are dropped rather than queued.
	queueHighWater = 256

	queueCap = 512
)

// Slasher burns a fraction of the named agent's stake. The supervisor
// wires the stake registry in; tests substitute a recorder.
type Slasher interface {
	Burn(agentID string, fraction float64)
}

// Entry is one append-only ledger record.
type Entry struct {
	Seq      uint64
	TS       float64
	Body     []byte // canonical JSON of the envelope or event
	HashPrev [hashSize]byte
	HashSelf [hashSize]byte
}

type appendReq struct {
	body       []byte
	ts         float64
	bestEffort bool
	done       chan appendRes
}

type appendRes struct {
	seq uint64
	err error
}

// Ledger is the append-only signed log. Appends are totally ordered by
// seq and serialised through an internal queue; each commit is fsynced
// before the caller observes the assigned seq.
type Ledger struct {
	path string

	mu      sync.Mutex
	file    *os.File
	entries []Entry // in-memory chain for Merkle computation
	lastTop [hashSize]byte
	broken  bool // latched after a fatal I/O error

	// closeMu orders appends against Close: appends enqueue under the
	// read lock, Close flips closed under the write lock, so no request
	// can slip into the queue after the drain begins.
	closeMu sync.RWMutex
	closed  bool

	queue  chan appendReq
	wg     sync.WaitGroup
	cancel context.CancelFunc

	slasher  Slasher
	onSystem func(*envelope.Envelope) // Merkle root publication hook
}

// Open opens (or creates) the ledger at path, replaying and validating
// the existing hash chain. A chain that fails validation is refused with
// ErrLedgerCorrupt.
func Open(path string, slasher Slasher) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errdefs.ErrLedgerUnavailable, path, err)
	}
	l := &Ledger{
		path:    path,
		file:    f,
		queue:   make(chan appendReq, queueCap),
		slasher: slasher,
	}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.appendLoop(ctx)
	return l, nil
}

// SetSystemHook registers the callback receiving Merkle root envelopes.
func (l *Ledger) SetSystemHook(fn func(*envelope.Envelope)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSystem = fn
}

// Append writes an envelope or event body to the log and returns the
// assigned sequence number. The body must already be canonical JSON.
func (l *Ledger) Append(body []byte, ts float64) (uint64, error) {
	return l.append(body, ts, false)
}

// AppendBestEffort writes a non-authoritative record (heartbeats). It is
// dropped silently, with a counter increment, when the append queue is
// above its high-water mark.
func (l *Ledger) AppendBestEffort(body []byte, ts float64) (uint64, error) {
	return l.append(body, ts, true)
}

// AppendEnvelope logs env through the canonical serialisation.
func (l *Ledger) AppendEnvelope(env *envelope.Envelope) (uint64, error) {
	body, err := env.CanonicalJSON()
	if err != nil {
		return 0, err
	}
	return l.Append(body, env.TS)
}

func (l *Ledger) append(body []byte, ts float64, bestEffort bool) (uint64, error) {
	if bestEffort && len(l.queue) >= queueHighWater {
		metrics.LedgerDroppedTotal.Inc()
		return 0, nil
	}
	req := appendReq{body: body, ts: ts, bestEffort: bestEffort, done: make(chan appendRes, 1)}
	l.closeMu.RLock()
	if l.closed {
		l.closeMu.RUnlock()
		return 0, errdefs.ErrLedgerUnavailable
	}
	l.queue <- req
	l.closeMu.RUnlock()
	res := <-req.done
	return res.seq, res.err
}

func (l *Ledger) appendLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain: every queued caller gets an answer before the loop
			// exits.
			for {
				select {
				case req := <-l.queue:
					req.done <- appendRes{err: errdefs.ErrLedgerUnavailable}
				default:
					return
				}
			}
		case req := <-l.queue:
			seq, err := l.commit(req.body, req.ts)
			req.done <- appendRes{seq: seq, err: err}
		}
	}
}

// commit serialises one record, writes the frame and fsyncs.
func (l *Ledger) commit(body []byte, ts float64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return 0, errdefs.ErrLedgerUnavailable
	}

	seq := uint64(len(l.entries) + 1)
	e := Entry{Seq: seq, TS: ts, Body: body, HashPrev: l.lastTop}
	e.HashSelf = chainHash(seq, ts, body, e.HashPrev)

	frame := encodeFrame(&e)
	if _, err := l.file.Write(frame); err != nil {
		l.broken = true
		return 0, fmt.Errorf("%w: write: %v", errdefs.ErrLedgerUnavailable, err)
	}
	if err := l.file.Sync(); err != nil {
		l.broken = true
		return 0, fmt.Errorf("%w: fsync: %v", errdefs.ErrLedgerUnavailable, err)
	}

	l.entries = append(l.entries, e)
	l.lastTop = e.HashSelf
	metrics.LedgerAppendsTotal.Inc()
	return seq, nil
}

// chainHash computes SHA-256(seq || ts || body || hash_prev) with seq and
// ts in their wire encodings.
func chainHash(seq uint64, ts float64, body []byte, prev [hashSize]byte) [hashSize]byte {
	h := sha256.New()
	var u [8]byte
	binary.BigEndian.PutUint64(u[:], seq)
	h.Write(u[:])
	binary.BigEndian.PutUint64(u[:], math.Float64bits(ts))
	h.Write(u[:])
	h.Write(body)
	h.Write(prev[:])
	var out [hashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// encodeFrame lays a record out as
// len(4B BE) | seq(8B BE) | ts(8B BE float) | body_len(4B BE) | body |
// hash_prev(32B) | hash_self(32B). The leading len covers everything
// after itself.
func encodeFrame(e *Entry) []byte {
	inner := 8 + 8 + 4 + len(e.Body) + hashSize + hashSize
	buf := make([]byte, 4+inner)
	binary.BigEndian.PutUint32(buf[0:4], uint32(inner))
	binary.BigEndian.PutUint64(buf[4:12], e.Seq)
	binary.BigEndian.PutUint64(buf[12:20], math.Float64bits(e.TS))
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(e.Body)))
	copy(buf[24:], e.Body)
	off := 24 + len(e.Body)
	copy(buf[off:], e.HashPrev[:])
	copy(buf[off+hashSize:], e.HashSelf[:])
	return buf
}

func decodeFrame(r io.Reader) (*Entry, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // io.EOF at a frame boundary is the clean end
	}
	inner := binary.BigEndian.Uint32(lenBuf[:])
	if inner < 8+8+4+2*hashSize {
		return nil, errdefs.ErrLedgerCorrupt
	}
	buf := make([]byte, inner)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errdefs.ErrLedgerCorrupt
	}
	e := &Entry{
		Seq: binary.BigEndian.Uint64(buf[0:8]),
		TS:  math.Float64frombits(binary.BigEndian.Uint64(buf[8:16])),
	}
	bodyLen := binary.BigEndian.Uint32(buf[16:20])
	if uint32(len(buf)) != 20+bodyLen+2*hashSize {
		return nil, errdefs.ErrLedgerCorrupt
	}
	e.Body = append([]byte(nil), buf[20:20+bodyLen]...)
	copy(e.HashPrev[:], buf[20+bodyLen:])
	copy(e.HashSelf[:], buf[20+bodyLen+hashSize:])
	return e, nil
}

// replay loads the chain from disk, validating every hash and the seq
// ordering.
func (l *Ledger) replay() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %v", errdefs.ErrLedgerUnavailable, err)
	}
	r := bufio.NewReader(l.file)
	var prev [hashSize]byte
	for {
		e, err := decodeFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errdefs.ErrLedgerCorrupt
		}
		if e.Seq != uint64(len(l.entries)+1) || e.HashPrev != prev {
			return errdefs.ErrLedgerCorrupt
		}
		if e.HashSelf != chainHash(e.Seq, e.TS, e.Body, e.HashPrev) {
			return errdefs.ErrLedgerCorrupt
		}
		l.entries = append(l.entries, *e)
		prev = e.HashSelf
	}
	l.lastTop = prev
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("%w: seek: %v", errdefs.ErrLedgerUnavailable, err)
	}
	return nil
}

// Entries returns a snapshot of the current chain.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of committed records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ComputeMerkleRoot returns the hex Merkle root over the current
// entries. The empty ledger hashes to the digest of no data.
func (l *Ledger) ComputeMerkleRoot() string {
	l.mu.Lock()
	leaves := make([][]byte, len(l.entries))
	for i := range l.entries {
		h := sha256.Sum256(l.entries[i].Body)
		leaves[i] = h[:]
	}
	l.mu.Unlock()
	return hex.EncodeToString(merkleRoot(leaves))
}

// merkleRoot folds leaf hashes pairwise; an odd leaf is promoted
// unchanged to the next level.
func merkleRoot(level [][]byte) []byte {
	if len(level) == 0 {
		empty := sha256.Sum256(nil)
		return empty[:]
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.Sum256(append(append([]byte(nil), level[i]...), level[i+1]...))
			next = append(next, h[:])
		}
		level = next
	}
	return level[0]
}

// VerifyRoot recomputes the Merkle root and compares it to expected. On
// mismatch it burns 10% of the named agent's stake, emits a warning
// event and returns ErrMerkleMismatch.
func (l *Ledger) VerifyRoot(expected, agentID string) error {
	actual := l.ComputeMerkleRoot()
	if actual == expected {
		return nil
	}
	if l.slasher != nil {
		l.slasher.Burn(agentID, 0.10)
	}
	log.WithComponent("ledger").Warn().
		Str("agent", agentID).
		Str("expected", expected).
		Str("actual", actual).
		Msg("merkle root mismatch, stake slashed")
	return fmt.Errorf("%w: expected %s got %s", errdefs.ErrMerkleMismatch, expected, actual)
}

// StartMerkleTask recomputes the root at the given cadence and publishes
// it through the system hook as a ledger envelope.
func (l *Ledger) StartMerkleTask(ctx context.Context, cadence time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				root := l.ComputeMerkleRoot()
				l.mu.Lock()
				hook := l.onSystem
				l.mu.Unlock()
				if hook != nil {
					env, err := envelope.New("ledger", "system",
						envelope.Payload{"event": "merkle_root", "root": root},
						float64(time.Now().UnixNano())/1e9)
					if err == nil {
						hook(env)
					}
				}
				log.WithComponent("ledger").Info().Str("root", root).Msg("merkle root computed")
			}
		}
	}()
}

// Close stops the append loop, failing any queued appends with
// ErrLedgerUnavailable, then closes the file. Idempotent.
func (l *Ledger) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// EventBody builds the canonical JSON body for a non-envelope ledger
// event such as patch.admitted or a lifecycle transition.
func EventBody(event string, fields map[string]any) ([]byte, error) {
	obj := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		obj[k] = v
	}
	obj["event"] = event
	env := envelope.Payload(obj)
	if err := envelope.ValidatePayload(env); err != nil {
		return nil, err
	}
	// canonical form: sorted keys
	e := envelope.Envelope{Sender: "orchestrator", Recipient: "system", Payload: env}
	return e.CanonicalJSON()
}
