package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/machina/machina/internal/logging"
)

// WALConfig controls rotation and retention. hash/crc32 (stdlib,
// ISO-3309/IEEE polynomial via crc32.ChecksumIEEE) is used for the framed
// record checksum; no pack dependency supplies this and it is the natural
// standard-library fit for a checksum this small and this hot-path.
type WALConfig struct {
	Framed            bool
	MaxSegmentBytes   int64
	MaxSegmentAgeSec  int64
	MaxSegments       int
	MaxTotalBytes     int64
}

// DefaultWALConfig matches the spec's stated defaults.
func DefaultWALConfig() WALConfig {
	return WALConfig{
		Framed:           true,
		MaxSegmentBytes:  16 * 1024 * 1024,
		MaxSegmentAgeSec: 3600,
		MaxSegments:      10,
		MaxTotalBytes:    256 * 1024 * 1024,
	}
}

// WAL is a separate append-only file for queue state, framed with length
// and CRC32 (or, when Framed is false, plain newline-delimited JSON).
type WAL struct {
	mu        sync.Mutex
	path      string
	cfg       WALConfig
	file      *os.File
	createdAt time.Time
	size      int64
}

// OpenWAL opens (creating parent directories) the WAL file at path.
func OpenWAL(path string, cfg WALConfig) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	return &WAL{path: path, cfg: cfg, file: f, createdAt: time.Now(), size: info.Size()}, nil
}

// Append writes one record, rotating first if a precondition is met.
func (w *WAL) Append(payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotateLocked() {
		if err := w.rotateLocked(); err != nil {
			// Rotation failure is non-fatal: stay in current segment.
			logging.Get(logging.CategoryJournal).Warnw("wal rotation failed, continuing in current segment", "error", err)
		}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wal: marshal: %w", err)
	}

	var frame []byte
	if w.cfg.Framed {
		frame = make([]byte, 4+len(b)+4)
		binary.LittleEndian.PutUint32(frame[0:4], uint32(len(b)))
		copy(frame[4:4+len(b)], b)
		crc := crc32.ChecksumIEEE(b)
		binary.LittleEndian.PutUint32(frame[4+len(b):], crc)
	} else {
		frame = append(append([]byte{}, b...), '\n')
	}

	n, err := w.file.Write(frame)
	if err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	w.size += int64(n)
	return nil
}

func (w *WAL) shouldRotateLocked() bool {
	if w.size >= w.cfg.MaxSegmentBytes {
		return true
	}
	if time.Since(w.createdAt) >= time.Duration(w.cfg.MaxSegmentAgeSec)*time.Second {
		return true
	}
	return false
}

func (w *WAL) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%d.jsonl", strings.TrimSuffix(w.path, filepath.Ext(w.path)), time.Now().UnixMilli())
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if dirf, err := os.Open(filepath.Dir(w.path)); err == nil {
		dirf.Sync()
		dirf.Close()
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.createdAt = time.Now()
	w.size = 0
	return w.Retain()
}

// Retain lists rotated segments next to the live WAL file and deletes
// oldest-first until the segment count and total bytes are within bounds.
func (w *WAL) Retain() error {
	dir := filepath.Dir(w.path)
	stem := strings.TrimSuffix(filepath.Base(w.path), filepath.Ext(w.path))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("wal: retain: readdir: %w", err)
	}

	type seg struct {
		path string
		mod  time.Time
		size int64
	}
	var segs []seg
	var total int64
	for _, e := range entries {
		if e.IsDir() || e.Name() == filepath.Base(w.path) || !strings.HasPrefix(e.Name(), stem+".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segs = append(segs, seg{path: filepath.Join(dir, e.Name()), mod: info.ModTime(), size: info.Size()})
		total += info.Size()
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].mod.Before(segs[j].mod) })

	for len(segs) > 0 && (len(segs) > w.cfg.MaxSegments || total > w.cfg.MaxTotalBytes) {
		oldest := segs[0]
		if err := os.Remove(oldest.path); err != nil {
			logging.Get(logging.CategoryJournal).Warnw("wal retention: failed to remove segment", "path", oldest.path, "error", err)
			break
		}
		total -= oldest.size
		segs = segs[1:]
	}
	return nil
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReplayWAL reads path record by record (framed or plain, per framed),
// invoking fn for each successfully decoded payload. A short length or bad
// CRC stops replay cleanly at that point without error; earlier records
// remain valid.
func ReplayWAL(path string, framed bool, fn func(raw []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	if !framed {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			if err := fn(append([]byte(nil), line...)); err != nil {
				return err
			}
		}
		return scanner.Err()
	}

	r := bufio.NewReader(f)
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			if err == io.EOF {
				return nil
			}
			return nil // torn tail: stop cleanly
		}
		length := binary.LittleEndian.Uint32(lenBuf)
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil // torn tail: length overruns file end
		}
		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, crcBuf); err != nil {
			return nil
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf)
		if crc32.ChecksumIEEE(body) != wantCRC {
			return nil // torn tail: bad CRC
		}
		if err := fn(body); err != nil {
			return err
		}
	}
}
