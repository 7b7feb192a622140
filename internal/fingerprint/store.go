package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vk/taskgrid/internal/ctxlog"
	"github.com/vk/taskgrid/internal/node"
)

// recordVersion is bumped whenever the record layout changes. Records with
// an unrecognized version are treated as cache misses, never as errors.
const recordVersion = 1

// defaultHashLimit is the file size up to which content is hashed. Beyond
// it, size and modification time stand in for the content.
const defaultHashLimit = 8 << 20

// hashWorkers bounds the concurrent file hashing per signature.
const hashWorkers = 4

// record is the on-disk form of one stored signature.
type record struct {
	Version   int       `json:"version"`
	Node      string    `json:"node"`
	Signature Signature `json:"signature"`
}

// Store persists node signatures as a directory of small JSON records, one
// per node, named by the hash of the node identifier.
//
// Reads are forgiving: a missing, unreadable or foreign record simply means
// "not up to date". Writes are durable: Commit fsyncs before renaming the
// record into place, so a crash immediately afterwards cannot lose it.
type Store struct {
	dir       string
	hashLimit int64
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating fingerprint store: %w", err)
	}
	return &Store{dir: dir, hashLimit: defaultHashLimit}, nil
}

// Dir returns the store's backing directory.
func (s *Store) Dir() string { return s.dir }

// IsUpToDate recomputes the node's live signature and compares it to the
// stored one. It returns true only if the stored record decodes, every
// declared output still exists, and the signatures match exactly.
func (s *Store) IsUpToDate(ctx context.Context, n node.Node) bool {
	logger := ctxlog.FromContext(ctx)

	stored, ok := s.load(ctx, n.ID())
	if !ok {
		return false
	}

	live, err := s.Snapshot(ctx, n)
	if err != nil {
		// A path that cannot be examined cannot be proven current.
		logger.Debug("Fingerprint recomputation failed, forcing re-run.",
			"node", n.ID(), "error", err)
		return false
	}

	return stored.Equal(live)
}

// Snapshot computes the node's current signature from live filesystem
// state. It fails if any input or declared output cannot be examined.
func (s *Store) Snapshot(ctx context.Context, n node.Node) (Signature, error) {
	inputs, params := n.Inputs(), n.Parameters()

	sig := Signature{Params: hashBytes(params)}

	var err error
	if sig.Inputs, err = s.fileStates(ctx, inputs); err != nil {
		return Signature{}, err
	}
	if sig.Outputs, err = s.fileStates(ctx, n.Outputs()); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// Commit durably persists the signature for a node. The engine's ordering
// guarantee (commit happens-before Done) depends on this not returning
// until the record would survive a crash.
func (s *Store) Commit(ctx context.Context, n node.Node, sig Signature) error {
	rec := record{Version: recordVersion, Node: n.ID(), Signature: sig}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding fingerprint for %q: %w", n.ID(), err)
	}

	final := s.recordPath(n.ID())
	tmp, err := os.CreateTemp(s.dir, ".commit-*")
	if err != nil {
		return fmt.Errorf("committing fingerprint for %q: %w", n.ID(), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("committing fingerprint for %q: %w", n.ID(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("committing fingerprint for %q: %w", n.ID(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("committing fingerprint for %q: %w", n.ID(), err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("committing fingerprint for %q: %w", n.ID(), err)
	}

	ctxlog.FromContext(ctx).Debug("Fingerprint committed.", "node", n.ID())
	return nil
}

// Invalidate removes a stored signature, forcing the node to re-run next
// time. A record that is already absent is not an error.
func (s *Store) Invalidate(n node.Node) error {
	err := os.Remove(s.recordPath(n.ID()))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("invalidating fingerprint for %q: %w", n.ID(), err)
	}
	return nil
}

// load reads and decodes the stored record for a node identifier. Any
// failure is reported as a miss.
func (s *Store) load(ctx context.Context, id string) (Signature, bool) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return Signature{}, false
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		ctxlog.FromContext(ctx).Warn("Discarding unreadable fingerprint record.",
			"node", id, "error", err)
		return Signature{}, false
	}
	if rec.Version != recordVersion || rec.Node != id {
		return Signature{}, false
	}
	return rec.Signature, true
}

// fileStates examines a set of paths concurrently and assembles their
// modification states.
func (s *Store) fileStates(ctx context.Context, paths []string) (map[string]FileState, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	out := make(map[string]FileState, len(paths))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st, err := s.fileState(p)
			if err != nil {
				return err
			}
			mu.Lock()
			out[p] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) fileState(path string) (FileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileState{}, err
	}

	st := FileState{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
	if info.Mode().IsRegular() && info.Size() <= s.hashLimit {
		hash, err := hashFile(path)
		if err != nil {
			return FileState{}, err
		}
		st.Hash = hash
	}
	return st, nil
}

func (s *Store) recordPath(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
