package cloudsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/cloudapi"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
)

type fakeExecutor struct {
	handle func(req *http.Request) (*cloudapi.ExecutorResponse, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req *http.Request) (*cloudapi.ExecutorResponse, error) {
	return f.handle(req)
}

type fakeTokenSource struct{ token string }

func (f *fakeTokenSource) GetServiceToken(ctx context.Context) (string, error) { return f.token, nil }

type fakeIDRegistrar struct {
	registered []string
	cutover    []string
	completed  []string
}

func (f *fakeIDRegistrar) RegisterMapping(ctx context.Context, localID, serverID string, entityType model.EntityType) error {
	f.registered = append(f.registered, localID+"->"+serverID)
	return nil
}
func (f *fakeIDRegistrar) UpdateAllReferences(ctx context.Context, localID, serverID string, entityType model.EntityType) error {
	f.cutover = append(f.cutover, localID+"->"+serverID)
	return nil
}
func (f *fakeIDRegistrar) MarkCompleted(ctx context.Context, localID string) error {
	f.completed = append(f.completed, localID)
	return nil
}

func newTestClient(t *testing.T, handle func(req *http.Request) (*cloudapi.ExecutorResponse, error), ids IDRegistrar) *Client {
	t.Helper()
	exec := &fakeExecutor{handle: handle}
	manager := cloudapi.NewNetworkRequestManager(4, 0, 0)
	session := cloudapi.NewSessionClient(exec, &cookieTokenSource{})
	manager.SetSession(session)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go manager.Run(ctx)
	return New("https://cloud.example.test", manager, &fakeTokenSource{token: "svc-tok"}, ids)
}

// cookieTokenSource satisfies cloudapi.TokenSource for SessionClient.
type cookieTokenSource struct{}

func (cookieTokenSource) Cookie(ctx context.Context) (string, error) { return "c1", nil }
func (cookieTokenSource) Refresh(ctx context.Context) (string, error) { return "c1", nil }

func TestPullLightweightParsesPage(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*cloudapi.ExecutorResponse, error) {
		if !strings.Contains(req.URL.Path, "/note/full/page") {
			t.Errorf("request path = %q, want the full page endpoint", req.URL.Path)
		}
		body := `{"code":0,"data":{"entries":[{"id":"n1","subject":"Hi"}],"syncTag":"tag1"}}`
		return &cloudapi.ExecutorResponse{StatusCode: 200, Body: []byte(body)}, nil
	}, nil)

	page, err := c.PullLightweight(context.Background(), "")
	if err != nil {
		t.Fatalf("PullLightweight() error = %v", err)
	}
	if page.SyncTag != "tag1" || len(page.Notes) != 1 {
		t.Errorf("PullLightweight() = %+v, want one note and tag1", page)
	}
}

func TestHandleNoteCreateRegistersMappingAndCutsOver(t *testing.T) {
	ids := &fakeIDRegistrar{}
	c := newTestClient(t, func(req *http.Request) (*cloudapi.ExecutorResponse, error) {
		return &cloudapi.ExecutorResponse{StatusCode: 200, Body: []byte(`{"data":{"id":"server_n1","tag":"t1"}}`)}, nil
	}, ids)

	payload, _ := json.Marshal(map[string]string{"title": "T", "content": "C", "folderId": "0"})
	op := model.NoteOperation{Type: model.OpNoteCreate, NoteID: "local_n1", Data: payload}
	if err := c.HandleNoteCreate(context.Background(), op); err != nil {
		t.Fatalf("HandleNoteCreate() error = %v", err)
	}

	if len(ids.registered) != 1 || ids.registered[0] != "local_n1->server_n1" {
		t.Errorf("registered mappings = %v, want one local_n1->server_n1", ids.registered)
	}
	if len(ids.cutover) != 1 || ids.cutover[0] != "local_n1->server_n1" {
		t.Errorf("cutover calls = %v, want one local_n1->server_n1", ids.cutover)
	}
	if len(ids.completed) != 1 || ids.completed[0] != "local_n1" {
		t.Errorf("completed mappings = %v, want one local_n1", ids.completed)
	}
}

func TestHandleCloudDeleteDecodesJSONEncodedTag(t *testing.T) {
	var sentEntry string
	c := newTestClient(t, func(req *http.Request) (*cloudapi.ExecutorResponse, error) {
		body, _ := io.ReadAll(req.Body)
		sentEntry = string(body)
		return &cloudapi.ExecutorResponse{StatusCode: 200}, nil
	}, nil)

	payload, _ := json.Marshal(map[string]string{"tag": "v123"})
	op := model.NoteOperation{Type: model.OpCloudDelete, NoteID: "server_n1", Data: payload}
	if err := c.HandleCloudDelete(context.Background(), op); err != nil {
		t.Fatalf("HandleCloudDelete() error = %v", err)
	}
	if !strings.Contains(sentEntry, "v123") {
		t.Errorf("request body = %q, want it to carry the decoded tag v123", sentEntry)
	}
}

func TestDecodePayloadRejectsRawOpaqueTag(t *testing.T) {
	if _, err := decodePayload([]byte("v123")); err == nil {
		t.Error("decodePayload(non-JSON tag) expected an error, got nil")
	}
}

func TestHandleCloudUploadWrapsTransientOn5xx(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*cloudapi.ExecutorResponse, error) {
		return &cloudapi.ExecutorResponse{StatusCode: 503}, nil
	}, nil)

	op := model.NoteOperation{Type: model.OpCloudUpload, NoteID: "server_n1"}
	err := c.HandleCloudUpload(context.Background(), op)
	if err == nil {
		t.Fatal("HandleCloudUpload() expected an error on a 503 response")
	}
	if !strings.Contains(err.Error(), "transient") {
		t.Errorf("HandleCloudUpload() error = %v, want it wrapped as transient", err)
	}
}

func TestHandleCloudDeletePermanentOn400(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*cloudapi.ExecutorResponse, error) {
		return &cloudapi.ExecutorResponse{StatusCode: 400}, nil
	}, nil)

	op := model.NoteOperation{Type: model.OpCloudDelete, NoteID: "server_n1"}
	err := c.HandleCloudDelete(context.Background(), op)
	if err == nil {
		t.Fatal("HandleCloudDelete() expected an error on a 400 response")
	}
	if strings.Contains(err.Error(), "transient") {
		t.Errorf("HandleCloudDelete() error = %v, want a permanent (non-transient) classification for 400", err)
	}
}

func TestNewAttachmentUploadHandlerRunsFullFlow(t *testing.T) {
	var step int32
	c := newTestClient(t, func(req *http.Request) (*cloudapi.ExecutorResponse, error) {
		switch {
		case strings.Contains(req.URL.Path, "request_upload_file"):
			return &cloudapi.ExecutorResponse{StatusCode: 200, Body: []byte(`{"data":{"uploadNodeUrls":["https://node.example.test/upload"]}}`)}, nil
		case strings.Contains(req.URL.Path, "upload"):
			return &cloudapi.ExecutorResponse{StatusCode: 200}, nil
		case strings.Contains(req.URL.Path, "commit"):
			return &cloudapi.ExecutorResponse{StatusCode: 200}, nil
		default:
			t.Fatalf("unexpected request path %q", req.URL.Path)
			return nil, nil
		}
	}, nil)
	_ = step

	read := func(ctx context.Context, tempFileID string) ([]byte, error) {
		return []byte("imgbytes"), nil
	}
	handler := c.NewAttachmentUploadHandler(read)

	payload, _ := json.Marshal(map[string]string{"tempFileId": "temp1", "mimeType": "image/png"})
	err := handler(context.Background(), model.NoteOperation{Type: model.OpImageUpload, NoteID: "n1", Data: payload})
	if err != nil {
		t.Fatalf("attachment upload handler error = %v", err)
	}
}

func TestNewAttachmentUploadHandlerPropagatesReadError(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*cloudapi.ExecutorResponse, error) {
		t.Fatal("no HTTP call expected when the read callback fails")
		return nil, nil
	}, nil)

	read := func(ctx context.Context, tempFileID string) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}
	handler := c.NewAttachmentUploadHandler(read)

	payload, _ := json.Marshal(map[string]string{"tempFileId": "temp1"})
	err := handler(context.Background(), model.NoteOperation{Data: payload})
	if err == nil {
		t.Fatal("expected an error when the read callback fails")
	}
}

func TestWrapTransientClassifiesNetworkErrorsAsTransient(t *testing.T) {
	err := wrapTransient(context.DeadlineExceeded)
	if err == nil || !strings.Contains(err.Error(), "transient") {
		t.Errorf("wrapTransient(network error) = %v, want wrapped as transient", err)
	}
	if wrapTransient(nil) != nil {
		t.Error("wrapTransient(nil) should return nil")
	}
}

var _ = time.Second
