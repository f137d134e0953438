// Package models manages the on-disk lifecycle of downloadable recognizer
// models: download, verification, readiness, deletion and loading.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Phase int

const (
	PhaseAbsent Phase = iota
	PhaseDownloading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseDownloading:
		return "downloading"
	case PhaseReady:
		return "ready"
	default:
		return "absent"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is the availability of one model variant. Progress is only
// meaningful while downloading and is 1 once Ready.
type State struct {
	Phase    Phase   `json:"phase"`
	Progress float64 `json:"progress"`
}

var (
	ErrUnknownVariant     = errors.New("unknown model variant")
	ErrDownloadInProgress = errors.New("model download in progress")
	ErrNotDownloading     = errors.New("model is not downloading")
)

type Kind int

const (
	KindNetwork Kind = iota + 1
	KindDisk
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindDisk:
		return "disk"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// DownloadError classifies a failed download.
type DownloadError struct {
	Kind      Kind
	VariantID string
	Err       error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %s: %v", e.VariantID, e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// hasPayload reports whether dir holds at least one usable model file: a
// regular, non-hidden, non-empty file with a payload extension.
func hasPayload(dir string, extensions []string) bool {
	_, ok := firstPayload(dir, extensions)
	return ok
}

func firstPayload(dir string, extensions []string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Type().IsRegular() {
			continue
		}
		if !hasExtension(name, extensions) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		return filepath.Join(dir, name), true
	}
	return "", false
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range extensions {
		if ext == strings.ToLower(candidate) {
			return true
		}
	}
	return false
}
