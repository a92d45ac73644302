// Package catalog manages the capture directory: canonical file naming,
// pairing of raw captures with their annotated detection images, search,
// and age-based retention.
package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/linesight/inspectd/internal/fsutil"
	"github.com/linesight/inspectd/internal/monitoring"
	"github.com/linesight/inspectd/internal/timeutil"
)

const (
	// FilePrefix starts every managed capture filename.
	FilePrefix = "capture_"

	// DetectionSuffix marks the annotated companion of a capture.
	DetectionSuffix = "_detection"

	// DefaultRetention is how long captures are kept before the sweeper
	// removes them.
	DefaultRetention = 7 * 24 * time.Hour

	// SweepInterval is how often the retention sweeper runs.
	SweepInterval = time.Hour

	timeLayout = "20060102_150405"
)

// captureNameRe matches capture_<YYYYMMDD>_<HHMMSS>_<mmm>[_detection].png.
var captureNameRe = regexp.MustCompile(`^capture_(\d{8}_\d{6})_(\d{3})(_detection)?\.png$`)

// CaptureName returns the canonical filename for a capture taken at t,
// with millisecond precision.
func CaptureName(t time.Time) string {
	return fmt.Sprintf("%s%s_%03d.png", FilePrefix, t.Format(timeLayout), t.Nanosecond()/1e6)
}

// DetectionName returns the annotated companion filename for a capture.
func DetectionName(captureName string) string {
	return strings.TrimSuffix(captureName, ".png") + DetectionSuffix + ".png"
}

// ParseName extracts the capture timestamp from a managed filename and
// whether it is a detection image. Returns ok=false for foreign files.
func ParseName(name string) (ts time.Time, isDetection bool, ok bool) {
	m := captureNameRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false, false
	}
	t, err := time.ParseInLocation(timeLayout, m[1], time.Local)
	if err != nil {
		return time.Time{}, false, false
	}
	var ms int
	fmt.Sscanf(m[2], "%d", &ms)
	return t.Add(time.Duration(ms) * time.Millisecond), m[3] != "", true
}

// Entry is one managed file in the capture directory.
type Entry struct {
	Name        string    `json:"filename"`
	Size        int64     `json:"size"`
	Timestamp   time.Time `json:"timestamp"`
	IsDetection bool      `json:"is_detection"`
}

// Pair groups a capture with its annotated detection image, if present.
type Pair struct {
	Capture   Entry  `json:"capture"`
	Detection *Entry `json:"detection,omitempty"`
}

// Catalog lists and maintains the capture directory.
type Catalog struct {
	fs    fsutil.FileSystem
	dir   string
	clock timeutil.Clock
}

// New creates a catalog over the given directory.
func New(fs fsutil.FileSystem, dir string, clock timeutil.Clock) *Catalog {
	return &Catalog{fs: fs, dir: dir, clock: clock}
}

// Dir returns the capture directory path.
func (c *Catalog) Dir() string { return c.dir }

// EnsureDir creates the capture directory if missing.
func (c *Catalog) EnsureDir() error {
	return c.fs.MkdirAll(c.dir, 0755)
}

// ValidName reports whether name is a managed capture filename. Handlers
// use it to reject path traversal before touching the filesystem.
func ValidName(name string) bool {
	return captureNameRe.MatchString(name)
}

// Path resolves a managed filename to its path under the capture directory.
func (c *Catalog) Path(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid capture filename %q", name)
	}
	return filepath.Join(c.dir, name), nil
}

// Read returns the contents of a managed file.
func (c *Catalog) Read(name string) ([]byte, error) {
	path, err := c.Path(name)
	if err != nil {
		return nil, err
	}
	return c.fs.ReadFile(path)
}

// Write stores data under a managed filename, creating the directory if
// needed.
func (c *Catalog) Write(name string, data []byte) error {
	path, err := c.Path(name)
	if err != nil {
		return err
	}
	if err := c.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}
	return c.fs.WriteFile(path, data, 0644)
}

// All returns the managed files newest first. Foreign files in the
// directory are ignored.
func (c *Catalog) All() ([]Entry, error) {
	if !c.fs.Exists(c.dir) {
		return nil, nil
	}
	dirents, err := c.fs.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		ts, isDet, ok := ParseName(de.Name())
		if !ok {
			continue
		}
		var size int64
		if info, err := c.fs.Stat(filepath.Join(c.dir, de.Name())); err == nil {
			size = info.Size()
		}
		entries = append(entries, Entry{
			Name:        de.Name(),
			Size:        size,
			Timestamp:   ts,
			IsDetection: isDet,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].Name > entries[j].Name
	})
	return entries, nil
}

// Pairs groups captures with their detection images, newest first.
// Orphaned detection images are omitted.
func (c *Catalog) Pairs() ([]Pair, error) {
	entries, err := c.All()
	if err != nil {
		return nil, err
	}

	detections := make(map[string]Entry)
	for _, e := range entries {
		if e.IsDetection {
			detections[e.Name] = e
		}
	}

	var pairs []Pair
	for _, e := range entries {
		if e.IsDetection {
			continue
		}
		p := Pair{Capture: e}
		if det, ok := detections[DetectionName(e.Name)]; ok {
			d := det
			p.Detection = &d
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// Latest returns the newest capture pair, or ok=false when the directory
// holds no captures.
func (c *Catalog) Latest() (Pair, bool, error) {
	pairs, err := c.Pairs()
	if err != nil || len(pairs) == 0 {
		return Pair{}, false, err
	}
	return pairs[0], true, nil
}

// Search returns managed files whose name contains the query substring,
// newest first.
func (c *Catalog) Search(query string) ([]Entry, error) {
	entries, err := c.All()
	if err != nil {
		return nil, err
	}
	if query == "" {
		return entries, nil
	}
	var out []Entry
	for _, e := range entries {
		if strings.Contains(e.Name, query) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Sweep removes managed files older than maxAge, judged by the timestamp
// encoded in the filename. Returns how many files were removed.
func (c *Catalog) Sweep(maxAge time.Duration) (int, error) {
	entries, err := c.All()
	if err != nil {
		return 0, err
	}

	cutoff := c.clock.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		path := filepath.Join(c.dir, e.Name)
		if err := c.fs.Remove(path); err != nil {
			monitoring.Logf("catalog: failed to remove %s: %v", e.Name, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Sweeper periodically removes expired captures.
type Sweeper struct {
	catalog  *Catalog
	clock    timeutil.Clock
	interval time.Duration
	maxAge   time.Duration
}

// NewSweeper creates a sweeper with the default cadence and retention when
// the corresponding arguments are zero.
func NewSweeper(catalog *Catalog, clock timeutil.Clock, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = SweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	return &Sweeper{catalog: catalog, clock: clock, interval: interval, maxAge: maxAge}
}

// Run sweeps once immediately, then on every tick until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepOnce()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	removed, err := s.catalog.Sweep(s.maxAge)
	if err != nil {
		monitoring.Logf("catalog: retention sweep failed: %v", err)
		return
	}
	if removed > 0 {
		monitoring.Logf("catalog: retention sweep removed %d files", removed)
	}
}
