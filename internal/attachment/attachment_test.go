package attachment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestExtractReferencesUnionsAndDedupes(t *testing.T) {
	content := `before ☺fileA<0/> middle <img src="x" fileid="fileB"/> <sound fileid="fileC"/> ☺fileB<0/> after`
	settingData := []byte(`{"data":[{"fileId":"fileB","mimeType":"image/png","size":1024},{"fileId":"fileD","mimeType":"audio/amr","size":2048}]}`)

	refs := ExtractReferences(content, settingData)

	byID := make(map[string]Reference)
	for _, r := range refs {
		byID[r.FileID] = r
	}

	if len(refs) != 4 {
		t.Fatalf("ExtractReferences() returned %d references, want 4 (got %+v)", len(refs), refs)
	}
	for _, id := range []string{"fileA", "fileB", "fileC", "fileD"} {
		if _, ok := byID[id]; !ok {
			t.Errorf("ExtractReferences() missing reference %q", id)
		}
	}

	fileB := byID["fileB"]
	if fileB.Kind != "image" {
		t.Errorf("fileB.Kind = %q, want %q (kind set by the img tag source)", fileB.Kind, "image")
	}
	if fileB.MimeType != "image/png" || fileB.Size != 1024 {
		t.Errorf("fileB settingData fields not merged: %+v", fileB)
	}
}

func TestExtractReferencesEmptyInputs(t *testing.T) {
	refs := ExtractReferences("", nil)
	if len(refs) != 0 {
		t.Errorf("ExtractReferences(\"\", nil) = %+v, want empty", refs)
	}
}

func TestExtractReferencesMalformedSettingDataIgnored(t *testing.T) {
	refs := ExtractReferences("☺only<0/>", []byte("not json"))
	if len(refs) != 1 || refs[0].FileID != "only" {
		t.Errorf("ExtractReferences() with malformed settingData = %+v, want just the content reference", refs)
	}
}

func TestSniffImageExt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "png", data: []byte{0x89, 'P', 'N', 'G', 0, 0, 0, 0}, want: ".png"},
		{name: "gif", data: []byte("GIF89a"), want: ".gif"},
		{name: "jpg", data: []byte{0xFF, 0xD8, 0xFF, 0xE0}, want: ".jpg"},
		{name: "webp", data: append([]byte("RIFF\x00\x00\x00\x00"), []byte("WEBP")...), want: ".webp"},
		{name: "riff without webp falls through to default", data: []byte("RIFF\x00\x00\x00\x00XXXX"), want: ".jpg"},
		{name: "unknown defaults to jpg", data: []byte{0x00, 0x01, 0x02}, want: ".jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SniffImageExt(tt.data)
			if got != tt.want {
				t.Errorf("SniffImageExt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSniffAudioExt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "amr", data: []byte("#!AMR\n"), want: ".amr"},
		{name: "id3 mp3", data: []byte("ID3\x03\x00"), want: ".mp3"},
		{name: "mpeg frame sync mp3", data: []byte{0xFF, 0xFB, 0x90, 0x00}, want: ".mp3"},
		{name: "m4a iso-bmff", data: []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p', 'M', '4', 'A', ' '}, want: ".m4a"},
		{name: "wav", data: append([]byte("RIFF\x00\x00\x00\x00"), []byte("WAVE")...), want: ".wav"},
		{name: "unknown defaults to m4a", data: []byte{0x01, 0x02}, want: ".m4a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SniffAudioExt(tt.data)
			if got != tt.want {
				t.Errorf("SniffAudioExt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilesystemStoreSaveCommitHas(t *testing.T) {
	dir := t.TempDir()
	images := filepath.Join(dir, "images")
	pending := filepath.Join(dir, "pending_uploads")

	store, err := NewFilesystemStore(images, pending)
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}

	ctx := context.Background()
	data := []byte("hello world")

	path, err := store.SavePending(ctx, "local_temp1", ".png", data)
	if err != nil {
		t.Fatalf("SavePending() error = %v", err)
	}
	if got, err := os.ReadFile(path); err != nil || string(got) != string(data) {
		t.Errorf("SavePending() did not write expected bytes: err=%v got=%q", err, got)
	}

	if store.Has(ctx, "serverFile1") {
		t.Error("Has() = true before Commit, want false")
	}

	if _, err := store.Commit(ctx, "serverFile1", ".png", data); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !store.Has(ctx, "serverFile1") {
		t.Error("Has() = false after Commit, want true")
	}
}
