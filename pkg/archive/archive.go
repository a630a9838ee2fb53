package archive

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEntries = []byte("entries")
	bucketSeq     = []byte("seq")        // insertion order -> entry id
	bucketParent  = []byte("parent_idx") // parent id \x00 child id -> child id
)

// Default sigmoid sharpness and midpoint for score-weighted draws.
const (
	DefaultSampleLambda = 10.0
	DefaultSampleAlpha  = 0.5
)

// Entry is one archived experiment or admitted patch with its lineage
// pointer and fitness score.
type Entry struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Score     float64        `json:"score"`
	CreatedTS float64        `json:"created_ts"`
}

// Archive is the BoltDB-backed lineage store.
type Archive struct {
	db  *bolt.DB
	rng *rand.Rand
}

// Open creates or opens the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketSeq, bucketParent} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Add stores a payload with its score and returns the assigned id. The
// payload's "parent" field, when a string, becomes the lineage pointer.
func (a *Archive) Add(payload map[string]any, score float64) (string, error) {
	e := &Entry{
		ID:        uuid.NewString(),
		Payload:   payload,
		Score:     score,
		CreatedTS: float64(time.Now().UnixNano()) / 1e9,
	}
	if p, ok := payload["parent"].(string); ok {
		e.ParentID = p
	}
	if err := a.put(e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// AddPatch records an admitted patch keyed by its normalised-diff hash.
func (a *Archive) AddPatch(hash, diff, parent string) error {
	e := &Entry{
		ID:        hash,
		ParentID:  parent,
		Payload:   map[string]any{"diff": diff, "parent": parent},
		CreatedTS: float64(time.Now().UnixNano()) / 1e9,
	}
	return a.put(e)
}

func (a *Archive) put(e *Entry) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		entries := tx.Bucket(bucketEntries)
		if err := entries.Put([]byte(e.ID), data); err != nil {
			return err
		}

		seq := tx.Bucket(bucketSeq)
		n, err := seq.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], n)
		if err := seq.Put(key[:], []byte(e.ID)); err != nil {
			return err
		}

		if e.ParentID != "" {
			parent := tx.Bucket(bucketParent)
			idx := append(append([]byte(e.ParentID), 0), []byte(e.ID)...)
			if err := parent.Put(idx, []byte(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the entry with the given id, or nil when absent.
func (a *Archive) Get(id string) (*Entry, error) {
	var e *Entry
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(id))
		if data == nil {
			return nil
		}
		e = &Entry{}
		return json.Unmarshal(data, e)
	})
	return e, err
}

// Len returns the number of archived entries.
func (a *Archive) Len() (int, error) {
	var n int
	err := a.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

// List returns all entries in insertion order.
func (a *Archive) List() ([]*Entry, error) {
	var out []*Entry
	err := a.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		return tx.Bucket(bucketSeq).ForEach(func(_, id []byte) error {
			data := entries.Get(id)
			if data == nil {
				return nil
			}
			e := &Entry{}
			if err := json.Unmarshal(data, e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Lineage walks parent pointers from id to the root and returns the
// chain root-first, ending with id itself. Unknown ids yield an empty
// chain.
func (a *Archive) Lineage(id string) ([]*Entry, error) {
	var chain []*Entry
	err := a.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		seen := make(map[string]bool)
		for cur := id; cur != "" && !seen[cur]; {
			seen[cur] = true
			data := entries.Get([]byte(cur))
			if data == nil {
				break
			}
			e := &Entry{}
			if err := json.Unmarshal(data, e); err != nil {
				return err
			}
			chain = append(chain, e)
			cur = e.ParentID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse: the walk collected leaf-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Subtree returns id's descendants breadth-first, starting with id.
func (a *Archive) Subtree(id string) ([]*Entry, error) {
	var out []*Entry
	err := a.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		parent := tx.Bucket(bucketParent)

		queue := []string{id}
		seen := map[string]bool{id: true}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if data := entries.Get([]byte(cur)); data != nil {
				e := &Entry{}
				if err := json.Unmarshal(data, e); err != nil {
					return err
				}
				out = append(out, e)
			}
			prefix := append([]byte(cur), 0)
			c := parent.Cursor()
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				child := string(v)
				if !seen[child] {
					seen[child] = true
					queue = append(queue, child)
				}
			}
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Best returns the highest-scoring entry, nil when empty.
func (a *Archive) Best() (*Entry, error) {
	entries, err := a.List()
	if err != nil {
		return nil, err
	}
	var best *Entry
	for _, e := range entries {
		if best == nil || e.Score > best.Score {
			best = e
		}
	}
	return best, nil
}

// Sample draws up to k distinct entries weighted by a sigmoid of their
// score, so strong entries dominate without starving exploration. lam
// is the sigmoid sharpness and alpha0 its midpoint; non-positive values
// take the package defaults.
func (a *Archive) Sample(k int, lam, alpha0 float64) ([]*Entry, error) {
	if lam <= 0 {
		lam = DefaultSampleLambda
	}
	if alpha0 <= 0 {
		alpha0 = DefaultSampleAlpha
	}
	entries, err := a.List()
	if err != nil {
		return nil, err
	}
	if k >= len(entries) {
		return entries, nil
	}

	weights := make([]float64, len(entries))
	for i, e := range entries {
		weights[i] = 1.0 / (1.0 + math.Exp(-lam*(e.Score-alpha0)))
	}

	out := make([]*Entry, 0, k)
	for len(out) < k {
		var total float64
		for i, e := range entries {
			if e != nil {
				total += weights[i]
			}
		}
		r := a.rng.Float64() * total
		picked := -1
		for i, e := range entries {
			if e == nil {
				continue
			}
			picked = i
			r -= weights[i]
			if r <= 0 {
				break
			}
		}
		// picked falls back to the last live entry when rounding leaves
		// r marginally positive.
		out = append(out, entries[picked])
		entries[picked] = nil
	}
	return out, nil
}

// MerkleRoot folds the entry bodies, in insertion order, into a hex
// root. An empty archive hashes to the digest of no data.
func (a *Archive) MerkleRoot() (string, error) {
	var leaves [][]byte
	err := a.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		return tx.Bucket(bucketSeq).ForEach(func(_, id []byte) error {
			if data := entries.Get(id); data != nil {
				h := sha256.Sum256(data)
				leaves = append(leaves, h[:])
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(foldMerkle(leaves)), nil
}

func foldMerkle(level [][]byte) []byte {
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
