// Package config holds the persisted camera configuration.
//
// The JSON schema is shared between the config file on disk and the
// /api/parameters endpoint, so the same document can be used for startup
// configuration and runtime updates.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linesight/inspectd/internal/fsutil"
)

// DefaultConfigPath is the path to the camera configuration file.
const DefaultConfigPath = "camera_config.json"

// maxConfigFileSize bounds config reads; anything larger is not a config file.
const maxConfigFileSize = 1 * 1024 * 1024

// ROI is a sensor region of interest in full-resolution pixel coordinates.
type ROI struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Camera is the persisted camera configuration. Resolution is the sensor
// maximum as "WxH"; the ROI must lie within it.
type Camera struct {
	Resolution   string  `json:"resolution"`
	FPS          float64 `json:"fps"`
	ExposureTime float64 `json:"exposure_time"` // microseconds
	Gain         float64 `json:"gain"`
	ROI          ROI     `json:"roi"`
}

// Update is a partial camera configuration. Nil fields are left unchanged
// when applied, so clients can PATCH a single parameter.
type Update struct {
	Resolution   *string  `json:"resolution,omitempty"`
	FPS          *float64 `json:"fps,omitempty"`
	ExposureTime *float64 `json:"exposure_time,omitempty"`
	Gain         *float64 `json:"gain,omitempty"`
	ROI          *ROI     `json:"roi,omitempty"`
}

// Default returns the factory camera configuration. The resolution matches
// the full sensor of the line's inspection camera.
func Default() *Camera {
	return &Camera{
		Resolution:   "5496x3672",
		FPS:          5,
		ExposureTime: 10000,
		Gain:         0,
		ROI:          ROI{X: 0, Y: 0, Width: 5496, Height: 3672},
	}
}

// MaxSize parses the Resolution field into sensor width and height.
func (c *Camera) MaxSize() (w, h int, err error) {
	parts := strings.SplitN(c.Resolution, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q: want \"WxH\"", c.Resolution)
	}
	w, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution width %q: %w", parts[0], err)
	}
	h, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution height %q: %w", parts[1], err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q: dimensions must be positive", c.Resolution)
	}
	return w, h, nil
}

// Validate checks internal consistency: parsable resolution and an ROI that
// lies within the sensor with positive dimensions.
func (c *Camera) Validate() error {
	maxW, maxH, err := c.MaxSize()
	if err != nil {
		return err
	}

	r := c.ROI
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("roi dimensions must be positive, got %dx%d", r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("roi offset must be non-negative, got (%d,%d)", r.X, r.Y)
	}
	if r.X+r.Width > maxW || r.Y+r.Height > maxH {
		return fmt.Errorf("roi %dx%d+%d+%d exceeds sensor %dx%d", r.Width, r.Height, r.X, r.Y, maxW, maxH)
	}
	return nil
}

// Apply merges a partial update into the configuration, validating the
// result. On validation failure the receiver is left unchanged.
func (c *Camera) Apply(u *Update) error {
	merged := *c
	if u.Resolution != nil {
		merged.Resolution = *u.Resolution
	}
	if u.FPS != nil {
		merged.FPS = *u.FPS
	}
	if u.ExposureTime != nil {
		merged.ExposureTime = *u.ExposureTime
	}
	if u.Gain != nil {
		merged.Gain = *u.Gain
	}
	if u.ROI != nil {
		merged.ROI = *u.ROI
	}

	if err := merged.Validate(); err != nil {
		return err
	}
	*c = merged
	return nil
}

// Load reads a camera configuration from a JSON file. Fields omitted from
// the file retain their default values, so partial configs are safe. A
// missing file yields the defaults without error.
func Load(fs fsutil.FileSystem, path string) (*Camera, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	cfg := Default()
	if !fs.Exists(cleanPath) {
		return cfg, nil
	}

	info, err := fs.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	data, err := fs.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", cleanPath, err)
	}
	return cfg, nil
}

// Save writes the configuration to a JSON file.
func Save(fs fsutil.FileSystem, path string, cfg *Camera) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, os.FileMode(0755)); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := fs.WriteFile(filepath.Clean(path), data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
