package cloudapi

import (
	"fmt"
	"net/url"
	"time"
)

// Endpoints builds the documented cloud API paths, relative to a base
// URL. All `ts` parameters are current Unix milliseconds.
type Endpoints struct {
	BaseURL string
}

func (e Endpoints) nowMillis() int64 { return time.Now().UnixMilli() }

// FullPage builds GET /note/full/page?ts=…&limit=200[&syncTag=…].
func (e Endpoints) FullPage(limit int, syncTag string) string {
	v := url.Values{}
	v.Set("ts", fmt.Sprintf("%d", e.nowMillis()))
	v.Set("limit", fmt.Sprintf("%d", limit))
	if syncTag != "" {
		v.Set("syncTag", syncTag)
	}
	return fmt.Sprintf("%s/note/full/page?%s", e.BaseURL, v.Encode())
}

// FullFolder builds GET /note/full/folder?ts=…&folderId=…&limit=….
func (e Endpoints) FullFolder(folderID string, limit int) string {
	v := url.Values{}
	v.Set("ts", fmt.Sprintf("%d", e.nowMillis()))
	v.Set("folderId", folderID)
	v.Set("limit", fmt.Sprintf("%d", limit))
	return fmt.Sprintf("%s/note/full/folder?%s", e.BaseURL, v.Encode())
}

// NoteDetail builds GET /note/note/{id}/?ts=….
func (e Endpoints) NoteDetail(id string) string {
	return fmt.Sprintf("%s/note/note/%s/?ts=%d", e.BaseURL, url.PathEscape(id), e.nowMillis())
}

// NoteCreate builds POST /note/note.
func (e Endpoints) NoteCreate() string {
	return fmt.Sprintf("%s/note/note", e.BaseURL)
}

// NoteUpdate builds POST /note/note/{id}.
func (e Endpoints) NoteUpdate(id string) string {
	return fmt.Sprintf("%s/note/note/%s", e.BaseURL, url.PathEscape(id))
}

// NoteDelete builds POST /note/full/{id}/delete.
func (e Endpoints) NoteDelete(id string) string {
	return fmt.Sprintf("%s/note/full/%s/delete", e.BaseURL, url.PathEscape(id))
}

// NoteRestore builds POST /note/note/{id}/restore.
func (e Endpoints) NoteRestore(id string) string {
	return fmt.Sprintf("%s/note/note/%s/restore", e.BaseURL, url.PathEscape(id))
}

// FolderCreate builds POST /note/folder.
func (e Endpoints) FolderCreate() string {
	return fmt.Sprintf("%s/note/folder", e.BaseURL)
}

// FolderUpdate builds POST /note/folder/{id}.
func (e Endpoints) FolderUpdate(id string) string {
	return fmt.Sprintf("%s/note/folder/%s", e.BaseURL, url.PathEscape(id))
}

// FolderDelete builds POST /note/full/{id}/delete (folders share the
// note delete endpoint).
func (e Endpoints) FolderDelete(id string) string {
	return e.NoteDelete(id)
}

// RequestUploadFile builds POST /file/v2/user/request_upload_file.
func (e Endpoints) RequestUploadFile() string {
	return fmt.Sprintf("%s/file/v2/user/request_upload_file", e.BaseURL)
}

// UploadBlockChunk builds POST {nodeURL}/upload_block_chunk?chunk_pos=…&file_meta=…&block_meta=….
func (e Endpoints) UploadBlockChunk(nodeURL string, chunkPos int64, fileMeta, blockMeta string) string {
	v := url.Values{}
	v.Set("chunk_pos", fmt.Sprintf("%d", chunkPos))
	v.Set("file_meta", fileMeta)
	v.Set("block_meta", blockMeta)
	return fmt.Sprintf("%s/upload_block_chunk?%s", nodeURL, v.Encode())
}

// CommitUpload builds POST /file/v2/user/commit.
func (e Endpoints) CommitUpload() string {
	return fmt.Sprintf("%s/file/v2/user/commit", e.BaseURL)
}

// FileDownloadURL builds GET /file/full/v2?ts=…&type=note_img&fileid=….
func (e Endpoints) FileDownloadURL(fileType, fileID string) string {
	v := url.Values{}
	v.Set("ts", fmt.Sprintf("%d", e.nowMillis()))
	v.Set("type", fileType)
	v.Set("fileid", fileID)
	return fmt.Sprintf("%s/file/full/v2?%s", e.BaseURL, v.Encode())
}

// CookieHealthCheck builds GET /common/check?ts=….
func (e Endpoints) CookieHealthCheck() string {
	return fmt.Sprintf("%s/common/check?ts=%d", e.BaseURL, e.nowMillis())
}

// Profile builds GET /status/lite/profile?ts=….
func (e Endpoints) Profile() string {
	return fmt.Sprintf("%s/status/lite/profile?ts=%d", e.BaseURL, e.nowMillis())
}

// WebIncrementalSync builds GET /note/sync/full/?ts=…&data=…&inactiveTime=….
func (e Endpoints) WebIncrementalSync(data string, inactiveTime int64) string {
	v := url.Values{}
	v.Set("ts", fmt.Sprintf("%d", e.nowMillis()))
	v.Set("data", data)
	v.Set("inactiveTime", fmt.Sprintf("%d", inactiveTime))
	return fmt.Sprintf("%s/note/sync/full/?%s", e.BaseURL, v.Encode())
}

// LegacyPagedList builds the legacy paged list endpoint, reusing
// FullPage without a syncTag since the legacy tier has no body cursor.
func (e Endpoints) LegacyPagedList(limit int) string {
	return e.FullPage(limit, "")
}

// EncodeForm builds the application/x-www-form-urlencoded body used by
// write endpoints: entry=<urlencoded JSON>&serviceToken=<urlencoded>.
func EncodeForm(entryJSON, serviceToken string) string {
	v := url.Values{}
	v.Set("entry", entryJSON)
	v.Set("serviceToken", serviceToken)
	return v.Encode()
}

// EncodeDataForm builds the alternate form used by file-upload requests:
// data=<urlencoded JSON>&serviceToken=….
func EncodeDataForm(dataJSON, serviceToken string) string {
	v := url.Values{}
	v.Set("data", dataJSON)
	v.Set("serviceToken", serviceToken)
	return v.Encode()
}
