package cloudapi

import (
	"encoding/json"
	"fmt"
)

// EnvelopeParser is the cloud envelope parsing layer: a pure function
// from bytes to domain records. Kept as an interface so alternate wire
// formats can be substituted in tests.
type EnvelopeParser interface {
	ParseSyncPage(body []byte) (SyncPage, error)
}

// NoteRecord is the wire shape of a note entry as it appears in any of
// the three pull tiers.
type NoteRecord struct {
	ID        string          `json:"id"`
	FolderID  string          `json:"folderId"`
	Title     string          `json:"subject"`
	Content   json.RawMessage `json:"setting"`
	Status    string          `json:"status"`
	Tag       string          `json:"tag"`
	CreatedAt int64           `json:"createDate"`
	UpdatedAt int64           `json:"modifyDate"`
}

// FolderRecord is the wire shape of a folder entry.
type FolderRecord struct {
	ID        string `json:"id"`
	Name      string `json:"subject"`
	Count     int    `json:"count"`
	CreatedAt int64  `json:"createDate"`
	Tag       string `json:"tag"`
}

// SyncPage is the tier-agnostic result of parsing one pull response:
// the entries, folders, and the cursor to persist for the next pull.
type SyncPage struct {
	Notes   []NoteRecord
	Folders []FolderRecord
	SyncTag string
}

// JSONEnvelopeParser is the default EnvelopeParser: encoding/json
// against the documented response shapes, tolerant of the two observed
// shape variants (top-level syncTag vs. nested under
// note_view.data.syncTag).
//
// Each known shape is decoded into its own small struct and tried in
// turn, so a server response that omits or relocates a field degrades
// gracefully instead of failing the whole parse.
type JSONEnvelopeParser struct{}

type apiEnvelope struct {
	Code        int             `json:"code"`
	Description string          `json:"description"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data"`
	SyncTag     string          `json:"syncTag"`
}

type lightweightData struct {
	Entries []NoteRecord   `json:"entries"`
	Folders []FolderRecord `json:"folders"`
	SyncTag string         `json:"syncTag"`
}

// noteViewEnvelope is the alternate "web incremental sync" shape, whose
// syncTag has been observed nested under note_view.data.syncTag instead
// of top-level.
type noteViewEnvelope struct {
	NoteView struct {
		Data struct {
			Entries []NoteRecord   `json:"entries"`
			Folders []FolderRecord `json:"folders"`
			SyncTag string         `json:"syncTag"`
		} `json:"data"`
	} `json:"note_view"`
}

func (p JSONEnvelopeParser) ParseSyncPage(body []byte) (SyncPage, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return SyncPage{}, fmt.Errorf("cloudapi: parse envelope: %w", err)
	}
	if env.Code != 0 {
		desc := env.Description
		if desc == "" {
			desc = env.Message
		}
		return SyncPage{}, &APIError{Code: env.Code, Description: desc}
	}

	if len(env.Data) > 0 {
		var data lightweightData
		if err := json.Unmarshal(env.Data, &data); err == nil && (len(data.Entries) > 0 || len(data.Folders) > 0 || data.SyncTag != "") {
			tag := data.SyncTag
			if tag == "" {
				tag = env.SyncTag
			}
			return SyncPage{Notes: data.Entries, Folders: data.Folders, SyncTag: tag}, nil
		}
	}

	var nested noteViewEnvelope
	if err := json.Unmarshal(body, &nested); err == nil {
		tag := nested.NoteView.Data.SyncTag
		if tag != "" || len(nested.NoteView.Data.Entries) > 0 {
			return SyncPage{
				Notes:   nested.NoteView.Data.Entries,
				Folders: nested.NoteView.Data.Folders,
				SyncTag: tag,
			}, nil
		}
	}

	return SyncPage{SyncTag: env.SyncTag}, nil
}
