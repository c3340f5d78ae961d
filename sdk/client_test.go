package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

func writeEnvelope(t *testing.T, w http.ResponseWriter, code int, msg string, data interface{}) {
	t.Helper()
	body := map[string]interface{}{"code": code, "msg": msg}
	if data != nil {
		body["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return MustNewClient(srv.URL)
}

func TestLoginStoresToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			var req LoginRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "alice", req.UserId)
			writeEnvelope(t, w, 0, "success", LoginResponse{Token: "tok-1", UserInfo: &protocol.UserData{Id: "alice"}})
		case "/users/me":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			writeEnvelope(t, w, 0, "success", protocol.UserData{Id: "alice", Nickname: "Alice"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	resp, err := c.LoginWithUserId(context.Background(), "alice", "secret", PlatformIdCLI)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", resp.Token)
	assert.Equal(t, "tok-1", c.GetToken())

	me, err := c.GetUserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Alice", me.Nickname)
}

func TestAPIErrorMapsToKinds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations":
			writeEnvelope(t, w, CodeTokenExpired, "token expired", nil)
		case "/messages/m1":
			writeEnvelope(t, w, CodeMessageNotFound, "message not found", nil)
		default:
			writeEnvelope(t, w, CodeInvalidContent, "invalid content", nil)
		}
	})

	_, err := c.ListConversations(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeTokenExpired, apiErr.Code)

	_, err = c.EditMessage(context.Background(), "m1", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.SendText(context.Background(), "si_a:b", "c1", "")
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, IsAuthError(err))
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := MustNewClient(url)
	_, err := c.ListConversations(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestListMessagesSendsPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/si_a:b/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "30", r.URL.Query().Get("limit"))
		writeEnvelope(t, w, 0, "success", protocol.MessagePage{
			Messages: []*protocol.MessageData{{Id: "m1", Seq: 1}, {Id: "m2", Seq: 2}},
			Page:     2,
			Limit:    30,
		})
	})

	page, err := c.ListMessages(context.Background(), "si_a:b", 2, DefaultPageLimit)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m1", page.Messages[0].Id)
	assert.False(t, page.HasMore)
}

func TestSendMessageMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "file", r.FormValue("type"))
		assert.Equal(t, "c-42", r.FormValue("client_msg_id"))
		assert.Equal(t, "m0", r.FormValue("reply_to"))

		files := r.MultipartForm.File["files"]
		require.Len(t, files, 1)
		assert.Equal(t, "notes.txt", files[0].Filename)
		f, err := files[0].Open()
		require.NoError(t, err)
		defer f.Close()
		body, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "hello file", string(body))

		writeEnvelope(t, w, 0, "success", protocol.MessageData{
			Id:          "m9",
			ClientMsgId: r.FormValue("client_msg_id"),
			Type:        protocol.MsgTypeFile,
			Attachments: []protocol.AttachmentData{{Name: "notes.txt", Path: "/files/x/notes.txt", Size: 10}},
		})
	})

	msg, err := c.SendMessage(context.Background(), "si_a:b", &SendMessageRequest{
		ClientMsgId: "c-42",
		Type:        protocol.MsgTypeFile,
		ReplyTo:     "m0",
		Files:       []Upload{{Name: "notes.txt", Reader: strings.NewReader("hello file")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "m9", msg.Id)
	assert.Equal(t, "c-42", msg.ClientMsgId)
	require.Len(t, msg.Attachments, 1)
}

func TestSendMessageRejectsEmptyUpload(t *testing.T) {
	c := MustNewClient("http://127.0.0.1:1")
	_, err := c.SendMessage(context.Background(), "si_a:b", &SendMessageRequest{
		Type:  protocol.MsgTypeFile,
		Files: []Upload{{Name: "empty"}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMarkReadAndReactions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/conversations/sg_1/read":
			var req MarkReadRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			writeEnvelope(t, w, 0, "success", MarkReadResponse{ReadSeq: 7, MessageIds: req.MessageIds})
		case r.URL.Path == "/messages/m1/reactions" && r.Method == http.MethodPost:
			writeEnvelope(t, w, 0, "success", protocol.ReactionData{MessageId: "m1", UserId: "alice", Emoji: "👍"})
		case r.URL.Path == "/messages/m1/reactions" && r.Method == http.MethodDelete:
			writeEnvelope(t, w, 0, "success", protocol.ReactionData{MessageId: "m1", UserId: "alice", Removed: true})
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	resp, err := c.MarkRead(context.Background(), "sg_1", []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.ReadSeq)
	assert.Equal(t, []string{"m1", "m2"}, resp.MessageIds)

	added, err := c.AddReaction(context.Background(), "m1", "👍")
	require.NoError(t, err)
	assert.Equal(t, "👍", added.Emoji)

	removed, err := c.RemoveReaction(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, removed.Removed)
}
