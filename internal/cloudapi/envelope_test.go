package cloudapi

import "testing"

func TestParseSyncPageTopLevelShape(t *testing.T) {
	body := []byte(`{
		"code": 0,
		"data": {
			"entries": [{"id": "n1", "folderId": "0", "subject": "Hello", "tag": "t1"}],
			"folders": [{"id": "f1", "subject": "Work", "tag": "ft1"}],
			"syncTag": "abc123"
		}
	}`)

	page, err := JSONEnvelopeParser{}.ParseSyncPage(body)
	if err != nil {
		t.Fatalf("ParseSyncPage() error = %v", err)
	}
	if page.SyncTag != "abc123" {
		t.Errorf("SyncTag = %q, want %q", page.SyncTag, "abc123")
	}
	if len(page.Notes) != 1 || page.Notes[0].ID != "n1" {
		t.Errorf("Notes = %+v, want one note with id n1", page.Notes)
	}
	if len(page.Folders) != 1 || page.Folders[0].ID != "f1" {
		t.Errorf("Folders = %+v, want one folder with id f1", page.Folders)
	}
}

func TestParseSyncPageNestedNoteViewShape(t *testing.T) {
	body := []byte(`{
		"code": 0,
		"note_view": {
			"data": {
				"entries": [{"id": "n2", "subject": "Nested"}],
				"syncTag": "nested-tag"
			}
		}
	}`)

	page, err := JSONEnvelopeParser{}.ParseSyncPage(body)
	if err != nil {
		t.Fatalf("ParseSyncPage() error = %v", err)
	}
	if page.SyncTag != "nested-tag" {
		t.Errorf("SyncTag = %q, want %q", page.SyncTag, "nested-tag")
	}
	if len(page.Notes) != 1 || page.Notes[0].ID != "n2" {
		t.Errorf("Notes = %+v, want one note with id n2", page.Notes)
	}
}

func TestParseSyncPageBusinessErrorCode(t *testing.T) {
	body := []byte(`{"code": 10001, "description": "session expired"}`)

	_, err := JSONEnvelopeParser{}.ParseSyncPage(body)
	if err == nil {
		t.Fatal("ParseSyncPage() expected an error for non-zero code, got nil")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("ParseSyncPage() error type = %T, want *APIError", err)
	}
	if apiErr.Code != 10001 {
		t.Errorf("APIError.Code = %d, want 10001", apiErr.Code)
	}
}

func TestParseSyncPageEmptyResponseReturnsTopLevelTag(t *testing.T) {
	body := []byte(`{"code": 0, "syncTag": "only-top-level"}`)

	page, err := JSONEnvelopeParser{}.ParseSyncPage(body)
	if err != nil {
		t.Fatalf("ParseSyncPage() error = %v", err)
	}
	if page.SyncTag != "only-top-level" {
		t.Errorf("SyncTag = %q, want %q", page.SyncTag, "only-top-level")
	}
	if len(page.Notes) != 0 || len(page.Folders) != 0 {
		t.Errorf("expected no notes/folders, got %+v", page)
	}
}

func TestParseSyncPageMalformedBodyErrors(t *testing.T) {
	_, err := JSONEnvelopeParser{}.ParseSyncPage([]byte("not json"))
	if err == nil {
		t.Fatal("ParseSyncPage() expected an error for malformed JSON, got nil")
	}
}
