// Package attachment implements the local blob storage collaborator,
// plus the pure content-reference extraction and format-sniffing
// helpers SyncEngine's attachment resolution needs.
package attachment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Store is the local blob storage collaborator.
type Store interface {
	SavePending(ctx context.Context, tempFileID string, ext string, data []byte) (path string, err error)
	Commit(ctx context.Context, fileID string, ext string, data []byte) (path string, err error)
	Has(ctx context.Context, fileID string) bool
}

// FilesystemStore is the default Store.
type FilesystemStore struct {
	ImagesDir         string
	PendingUploadsDir string
}

// NewFilesystemStore constructs a FilesystemStore, creating both
// directories if absent.
func NewFilesystemStore(imagesDir, pendingUploadsDir string) (*FilesystemStore, error) {
	for _, dir := range []string{imagesDir, pendingUploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("attachment: create %s: %w", dir, err)
		}
	}
	return &FilesystemStore{ImagesDir: imagesDir, PendingUploadsDir: pendingUploadsDir}, nil
}

func (s *FilesystemStore) SavePending(_ context.Context, tempFileID, ext string, data []byte) (string, error) {
	path := filepath.Join(s.PendingUploadsDir, tempFileID+ext)
	return path, os.WriteFile(path, data, 0o644)
}

func (s *FilesystemStore) Commit(_ context.Context, fileID, ext string, data []byte) (string, error) {
	path := filepath.Join(s.ImagesDir, fileID+ext)
	return path, os.WriteFile(path, data, 0o644)
}

func (s *FilesystemStore) Has(_ context.Context, fileID string) bool {
	matches, _ := filepath.Glob(filepath.Join(s.ImagesDir, fileID+".*"))
	return len(matches) > 0
}

// Reference is a single content reference to a remote file, as surfaced
// by one of the four sources a note's content and settingData carry.
type Reference struct {
	FileID   string
	MimeType string
	Size     int64
	Kind     string // "image" or "audio", best-effort from the source
}

var (
	legacyInlineMarker = regexp.MustCompile(`☺\s*([^<]+)<0/>`)
	imgFileIDTag       = regexp.MustCompile(`<img[^>]*\bfileid="([^"]+)"`)
	soundFileIDTag     = regexp.MustCompile(`<sound[^>]*\bfileid="([^"]+)"`)
)

// settingDataEntry mirrors one element of the explicit setting.data
// array (source (a) of the four content-reference sources).
type settingDataEntry struct {
	FileID   string `json:"fileId"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// ExtractReferences unions all four content-reference sources from a
// note's content blob and settingData array, deduplicated by fileId.
func ExtractReferences(content string, settingData []byte) []Reference {
	seen := make(map[string]*Reference)
	order := make([]string, 0)

	add := func(ref Reference) {
		if existing, ok := seen[ref.FileID]; ok {
			if ref.MimeType != "" {
				existing.MimeType = ref.MimeType
			}
			if ref.Size > 0 {
				existing.Size = ref.Size
			}
			if existing.Kind == "" && ref.Kind != "" {
				existing.Kind = ref.Kind
			}
			return
		}
		r := ref
		seen[ref.FileID] = &r
		order = append(order, ref.FileID)
	}

	for _, m := range legacyInlineMarker.FindAllStringSubmatch(content, -1) {
		if len(m) > 1 {
			add(Reference{FileID: m[1]})
		}
	}
	for _, m := range imgFileIDTag.FindAllStringSubmatch(content, -1) {
		if len(m) > 1 {
			add(Reference{FileID: m[1], Kind: "image"})
		}
	}
	for _, m := range soundFileIDTag.FindAllStringSubmatch(content, -1) {
		if len(m) > 1 {
			add(Reference{FileID: m[1], Kind: "audio"})
		}
	}

	if entries := parseSettingData(settingData); entries != nil {
		for _, e := range entries {
			if e.FileID == "" {
				continue
			}
			add(Reference{FileID: e.FileID, MimeType: e.MimeType, Size: e.Size})
		}
	}

	out := make([]Reference, 0, len(order))
	for _, id := range order {
		out = append(out, *seen[id])
	}
	return out
}

// parseSettingData extracts the {data: [...]} array from a note's
// setting blob. Returns nil if settingData is empty or unparseable,
// rather than erroring, since this source is only one of four.
func parseSettingData(settingData []byte) []settingDataEntry {
	if len(settingData) == 0 {
		return nil
	}
	var wrapper struct {
		Data []settingDataEntry `json:"data"`
	}
	if err := json.Unmarshal(settingData, &wrapper); err != nil {
		return nil
	}
	return wrapper.Data
}

// imageMagic and audioMagic are the magic-byte signatures used for
// format sniffing.
var imageMagic = []struct {
	sig []byte
	ext string
}{
	{[]byte{0x89, 'P', 'N', 'G'}, ".png"},
	{[]byte{'G', 'I', 'F', '8'}, ".gif"},
	{[]byte{'R', 'I', 'F', 'F'}, ".webp"}, // followed by "WEBP" at offset 8, checked below
	{[]byte{0xFF, 0xD8, 0xFF}, ".jpg"},
}

var audioMagic = []struct {
	sig []byte
	ext string
}{
	{[]byte("#!AMR"), ".amr"},
	{[]byte{'I', 'D', '3'}, ".mp3"},
	{[]byte{0xFF, 0xFB}, ".mp3"},
	{[]byte("ftyp"), ".m4a"}, // checked at offset 4 for ISO-BMFF boxes
	{[]byte("RIFF"), ".wav"}, // followed by "WAVE" at offset 8, checked below
}

// SniffImageExt returns the file extension for data by magic-byte
// signature, defaulting to ".jpg" if none match.
func SniffImageExt(data []byte) string {
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return ".webp"
	}
	for _, m := range imageMagic {
		if m.ext == ".webp" {
			continue
		}
		if len(data) >= len(m.sig) && bytes.Equal(data[:len(m.sig)], m.sig) {
			return m.ext
		}
	}
	return ".jpg"
}

// SniffAudioExt returns the file extension for data by magic-byte
// signature, defaulting to ".m4a" if none match.
func SniffAudioExt(data []byte) string {
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return ".wav"
	}
	if len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")) {
		return ".m4a"
	}
	if len(data) >= 5 && bytes.Equal(data[:5], []byte("#!AMR")) {
		return ".amr"
	}
	if len(data) >= 3 && bytes.Equal(data[:3], []byte{'I', 'D', '3'}) {
		return ".mp3"
	}
	if len(data) >= 2 && data[0] == 0xFF && (data[1]&0xE0) == 0xE0 {
		return ".mp3"
	}
	return ".m4a"
}
