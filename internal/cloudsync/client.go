// Package cloudsync is the glue between internal/cloudapi's transport
// stack and the two consumer-facing contracts the kernel needs from it:
// syncengine.Puller (the three-tier pull) and processor.Handler (one per
// queued operation type). Keeping this translation in its own package
// lets cloudapi stay a pure HTTP/parsing layer with no knowledge of
// NoteOperation or the pull-tier fallback order.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/cloudapi"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/processor"
)

// TokenSource is the narrow view of auth.Manager the client needs to
// stamp the serviceToken onto write requests.
type TokenSource interface {
	GetServiceToken(ctx context.Context) (string, error)
}

// IDRegistrar is the narrow view of idmapping.Registry the noteCreate
// and folderCreate handlers need: register the server-issued ID the
// create response carries, then cut every local reference over to it
// immediately, since nothing else depends on the temporary ID surviving
// past this point.
type IDRegistrar interface {
	RegisterMapping(ctx context.Context, localID, serverID string, entityType model.EntityType) error
	UpdateAllReferences(ctx context.Context, localID, serverID string, entityType model.EntityType) error
	MarkCompleted(ctx context.Context, localID string) error
}

// Client is the cloud API facade: it builds requests with
// cloudapi.Endpoints, schedules them through NetworkRequestManager, and
// parses responses with JSONEnvelopeParser.
type Client struct {
	endpoints cloudapi.Endpoints
	manager   *cloudapi.NetworkRequestManager
	parser    cloudapi.EnvelopeParser
	tokens    TokenSource
	ids       IDRegistrar
}

// New constructs a Client.
func New(baseURL string, manager *cloudapi.NetworkRequestManager, tokens TokenSource, ids IDRegistrar) *Client {
	return &Client{
		endpoints: cloudapi.Endpoints{BaseURL: baseURL},
		manager:   manager,
		parser:    cloudapi.JSONEnvelopeParser{},
		tokens:    tokens,
		ids:       ids,
	}
}

const (
	priorityPull  = 1
	priorityWrite = 5
)

func (c *Client) getJSON(ctx context.Context, url string, priority int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.manager.Submit(ctx, priority, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) postForm(ctx context.Context, url, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.manager.Submit(ctx, priorityWrite, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PullLightweight implements syncengine.Puller's first tier.
func (c *Client) PullLightweight(ctx context.Context, syncTag string) (cloudapi.SyncPage, error) {
	body, err := c.getJSON(ctx, c.endpoints.FullPage(200, syncTag), priorityPull)
	if err != nil {
		return cloudapi.SyncPage{}, err
	}
	return c.parser.ParseSyncPage(body)
}

// PullWeb implements syncengine.Puller's second tier.
func (c *Client) PullWeb(ctx context.Context, syncTag string) (cloudapi.SyncPage, error) {
	body, err := c.getJSON(ctx, c.endpoints.WebIncrementalSync(syncTag, 0), priorityPull)
	if err != nil {
		return cloudapi.SyncPage{}, err
	}
	return c.parser.ParseSyncPage(body)
}

// PullLegacy implements syncengine.Puller's third tier.
func (c *Client) PullLegacy(ctx context.Context) (cloudapi.SyncPage, error) {
	body, err := c.getJSON(ctx, c.endpoints.LegacyPagedList(200), priorityPull)
	if err != nil {
		return cloudapi.SyncPage{}, err
	}
	return c.parser.ParseSyncPage(body)
}

// PullFolder fetches every note in a single folder, used for the
// private folder's full-sync pass since it is excluded from the
// regular paged listing.
func (c *Client) PullFolder(ctx context.Context, folderID string) (cloudapi.SyncPage, error) {
	body, err := c.getJSON(ctx, c.endpoints.FullFolder(folderID, 200), priorityPull)
	if err != nil {
		return cloudapi.SyncPage{}, err
	}
	return c.parser.ParseSyncPage(body)
}

// FetchNoteDetail fetches a single note's full record, used when a page
// response omits fields a cached copy needs.
func (c *Client) FetchNoteDetail(ctx context.Context, id string) (cloudapi.NoteRecord, error) {
	body, err := c.getJSON(ctx, c.endpoints.NoteDetail(id), priorityPull)
	if err != nil {
		return cloudapi.NoteRecord{}, err
	}
	var rec cloudapi.NoteRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return cloudapi.NoteRecord{}, fmt.Errorf("cloudsync: decode note detail: %w", err)
	}
	return rec, nil
}

// DownloadFile fetches one attachment's raw bytes.
func (c *Client) DownloadFile(ctx context.Context, fileType, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.FileDownloadURL(fileType, fileID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.manager.Submit(ctx, priorityPull, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// entryEnvelope is the write-endpoint request body shape: a JSON object
// describing the mutation, urlencoded under the "entry" form field.
type entryEnvelope map[string]any

func (c *Client) writeEntry(ctx context.Context, url string, entry entryEnvelope) ([]byte, error) {
	token, err := c.tokens.GetServiceToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudsync: get service token: %w", err)
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return c.postForm(ctx, url, cloudapi.EncodeForm(string(entryJSON), token))
}

// noteOperationPayload is the JSON shape persisted in a NoteOperation's
// Data column for note-touching operations.
type noteOperationPayload struct {
	Title    string `json:"title,omitempty"`
	Content  string `json:"content,omitempty"`
	FolderID string `json:"folderId,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

func decodePayload(data []byte) (noteOperationPayload, error) {
	var p noteOperationPayload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("cloudsync: decode operation payload: %w", err)
	}
	return p, nil
}

// createResponse is the {data:{id,tag}} shape the create endpoints
// return for the newly assigned server ID.
type createResponse struct {
	Data struct {
		ID  string `json:"id"`
		Tag string `json:"tag"`
	} `json:"data"`
}

// HandleNoteCreate uploads a locally created note, then immediately cuts
// every local reference over to the server-issued ID: nothing else in
// the system needs the temporary ID to survive past this point.
func (c *Client) HandleNoteCreate(ctx context.Context, op model.NoteOperation) error {
	payload, err := decodePayload(op.Data)
	if err != nil {
		return err
	}
	body, err := c.writeEntry(ctx, c.endpoints.NoteCreate(), entryEnvelope{
		"subject":  payload.Title,
		"setting":  payload.Content,
		"folderId": payload.FolderID,
	})
	if err != nil {
		return wrapTransient(err)
	}
	return c.cutoverCreated(ctx, op.NoteID, body, model.EntityNote)
}

// HandleCloudUpload pushes an edited note's current content.
func (c *Client) HandleCloudUpload(ctx context.Context, op model.NoteOperation) error {
	payload, err := decodePayload(op.Data)
	if err != nil {
		return err
	}
	_, err = c.writeEntry(ctx, c.endpoints.NoteUpdate(op.NoteID), entryEnvelope{
		"subject": payload.Title,
		"setting": payload.Content,
		"tag":     payload.Tag,
	})
	return wrapTransient(err)
}

// HandleCloudDelete deletes a note, using the stored server tag for
// optimistic concurrency.
func (c *Client) HandleCloudDelete(ctx context.Context, op model.NoteOperation) error {
	payload, err := decodePayload(op.Data)
	if err != nil {
		return err
	}
	_, err = c.writeEntry(ctx, c.endpoints.NoteDelete(op.NoteID), entryEnvelope{"tag": payload.Tag})
	return wrapTransient(err)
}

// HandleFolderCreate creates a folder on the server, then cuts local
// references over to the server-issued ID.
func (c *Client) HandleFolderCreate(ctx context.Context, op model.NoteOperation) error {
	payload, err := decodePayload(op.Data)
	if err != nil {
		return err
	}
	body, err := c.writeEntry(ctx, c.endpoints.FolderCreate(), entryEnvelope{"subject": payload.Title})
	if err != nil {
		return wrapTransient(err)
	}
	return c.cutoverCreated(ctx, op.NoteID, body, model.EntityFolder)
}

// cutoverCreated parses the server-issued ID out of a create response
// and, if ids is wired, performs the mapping cutover inline.
func (c *Client) cutoverCreated(ctx context.Context, localID string, body []byte, entityType model.EntityType) error {
	var resp createResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Data.ID == "" {
		return fmt.Errorf("cloudsync: create response missing id: %w", err)
	}
	if c.ids == nil {
		return nil
	}
	if err := c.ids.RegisterMapping(ctx, localID, resp.Data.ID, entityType); err != nil {
		return fmt.Errorf("cloudsync: register mapping: %w", err)
	}
	if err := c.ids.UpdateAllReferences(ctx, localID, resp.Data.ID, entityType); err != nil {
		return fmt.Errorf("cloudsync: cutover after create: %w", err)
	}
	if err := c.ids.MarkCompleted(ctx, localID); err != nil {
		return fmt.Errorf("cloudsync: mark mapping completed: %w", err)
	}
	return nil
}

// HandleFolderRename renames a folder on the server.
func (c *Client) HandleFolderRename(ctx context.Context, op model.NoteOperation) error {
	payload, err := decodePayload(op.Data)
	if err != nil {
		return err
	}
	_, err = c.writeEntry(ctx, c.endpoints.FolderUpdate(op.NoteID), entryEnvelope{
		"subject": payload.Title,
		"tag":     payload.Tag,
	})
	return wrapTransient(err)
}

// HandleFolderDelete deletes a folder on the server.
func (c *Client) HandleFolderDelete(ctx context.Context, op model.NoteOperation) error {
	payload, err := decodePayload(op.Data)
	if err != nil {
		return err
	}
	_, err = c.writeEntry(ctx, c.endpoints.FolderDelete(op.NoteID), entryEnvelope{"tag": payload.Tag})
	return wrapTransient(err)
}

// attachmentOperationPayload is the JSON shape persisted for
// imageUpload/audioUpload operations.
type attachmentOperationPayload struct {
	TempFileID string `json:"tempFileId"`
	MimeType   string `json:"mimeType"`
}

// AttachmentReader supplies the pending bytes of an image or audio
// upload. The handlers NewAttachmentUploadHandler builds request an
// upload slot, POST the blob to the returned node URL, then commit it;
// the bytes come from the reader the caller wires in, since cloudsync
// has no filesystem access of its own.
type AttachmentReader func(ctx context.Context, tempFileID string) ([]byte, error)

// NewAttachmentUploadHandler builds a processor.Handler for image or
// audio uploads, reading pending bytes via read.
func (c *Client) NewAttachmentUploadHandler(read AttachmentReader) processor.Handler {
	return func(ctx context.Context, op model.NoteOperation) error {
		var payload attachmentOperationPayload
		if err := json.Unmarshal(op.Data, &payload); err != nil {
			return fmt.Errorf("cloudsync: decode attachment payload: %w", err)
		}
		data, err := read(ctx, payload.TempFileID)
		if err != nil {
			return fmt.Errorf("cloudsync: read pending attachment: %w", err)
		}

		token, err := c.tokens.GetServiceToken(ctx)
		if err != nil {
			return wrapTransient(err)
		}

		reqJSON, _ := json.Marshal(map[string]any{"fileMetaList": []map[string]any{{"size": len(data)}}})
		slotBody, err := c.postForm(ctx, c.endpoints.RequestUploadFile(), cloudapi.EncodeDataForm(string(reqJSON), token))
		if err != nil {
			return wrapTransient(err)
		}

		var slot struct {
			Data struct {
				NodeURLs []string `json:"uploadNodeUrls"`
			} `json:"data"`
		}
		if err := json.Unmarshal(slotBody, &slot); err != nil || len(slot.Data.NodeURLs) == 0 {
			return fmt.Errorf("cloudsync: no upload node returned")
		}

		uploadURL := c.endpoints.UploadBlockChunk(slot.Data.NodeURLs[0], 0, "{}", "{}")
		uploadReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
		if err != nil {
			return err
		}
		if _, err := c.manager.Submit(ctx, priorityWrite, uploadReq); err != nil {
			return wrapTransient(err)
		}

		commitJSON, _ := json.Marshal(map[string]any{"fileId": payload.TempFileID})
		if _, err := c.postForm(ctx, c.endpoints.CommitUpload(), cloudapi.EncodeDataForm(string(commitJSON), token)); err != nil {
			return wrapTransient(err)
		}
		return nil
	}
}

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *cloudapi.HTTPStatusError
	if errors.As(err, &statusErr) {
		if cloudapi.ClassifyError(statusErr.StatusCode, err).Retryable() {
			return fmt.Errorf("%w: %v", processor.ErrTransient, err)
		}
		return err
	}
	// Network-level errors with no status code are always transient.
	return fmt.Errorf("%w: %v", processor.ErrTransient, err)
}
