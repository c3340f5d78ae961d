package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/storage"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

var testMessageConfig = config.MessageConfig{
	MaxTextLength:    10,
	MaxAttachments:   2,
	DefaultPageLimit: 30,
	MaxPageLimit:     100,
}

func TestSenderStatus(t *testing.T) {
	seqs := map[string]*entity.SeqUser{
		"alice": {UserId: "alice", ReadSeq: 9, DeliveredSeq: 9},
		"bob":   {UserId: "bob", ReadSeq: 3, DeliveredSeq: 5},
	}

	assert.Equal(t, protocol.StatusRead, SenderStatus("alice", 3, seqs))
	assert.Equal(t, protocol.StatusDelivered, SenderStatus("alice", 5, seqs))
	assert.Equal(t, protocol.StatusSent, SenderStatus("alice", 6, seqs))
	// The sender's own position never counts
	assert.Equal(t, protocol.StatusSent, SenderStatus("alice", 6, map[string]*entity.SeqUser{"alice": seqs["alice"]}))
	assert.Equal(t, protocol.StatusSent, SenderStatus("alice", 1, nil))
}

func TestValidateSend(t *testing.T) {
	file := storage.Upload{Name: "a.bin", Reader: strings.NewReader("x")}

	tests := []struct {
		name    string
		req     SendMessageRequest
		want    string
		wantErr *errcode.Error
	}{
		{name: "text", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeText, Content: "  hi <b>there</b> "}, want: "hi there"},
		{name: "missing client id", req: SendMessageRequest{Type: protocol.MsgTypeText, Content: "hi"}, wantErr: errcode.ErrInvalidParam},
		{name: "markup only", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeText, Content: "<script></script>"}, wantErr: errcode.ErrInvalidContent},
		{name: "too long", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeText, Content: strings.Repeat("a", 11)}, wantErr: errcode.ErrInvalidContent},
		{name: "text with file", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeText, Content: "hi", Files: []storage.Upload{file}}, wantErr: errcode.ErrInvalidContent},
		{name: "emoji", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeEmoji, Content: "👍"}, want: "👍"},
		{name: "file caption", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeFile, Content: "doc", Files: []storage.Upload{file}}, want: "doc"},
		{name: "file without files", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeFile}, wantErr: errcode.ErrInvalidContent},
		{name: "too many files", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeFile, Files: []storage.Upload{file, file, file}}, wantErr: errcode.ErrInvalidContent},
		{name: "voice", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeVoice, Content: "ignored", Duration: 2.5, Files: []storage.Upload{file}}, want: ""},
		{name: "voice without duration", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeVoice, Files: []storage.Upload{file}}, wantErr: errcode.ErrInvalidContent},
		{name: "system rejected", req: SendMessageRequest{ClientMsgId: "c1", Type: protocol.MsgTypeSystem, Content: "joined"}, wantErr: errcode.ErrInvalidContent},
		{name: "unknown type", req: SendMessageRequest{ClientMsgId: "c1", Type: "sticker", Content: "x"}, wantErr: errcode.ErrInvalidContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateSend(&tt.req, testMessageConfig)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeTextKeepsPlainText(t *testing.T) {
	assert.Equal(t, "fish & chips", SanitizeText("fish & chips"))
	assert.Equal(t, "a < b", SanitizeText("a < b"))
	assert.Equal(t, "click", SanitizeText(`<a href="javascript:alert(1)">click</a>`))
}

func TestValidEmoji(t *testing.T) {
	assert.True(t, ValidEmoji("👍"))
	assert.True(t, ValidEmoji("❤️"))
	assert.True(t, ValidEmoji("👨‍👩‍👧"))
	assert.False(t, ValidEmoji(""))
	assert.False(t, ValidEmoji("ok"))
	assert.False(t, ValidEmoji("👍 👍"))
	assert.False(t, ValidEmoji(strings.Repeat("👍", 11)))
}

func TestCreateGroupMemberIds(t *testing.T) {
	req := &CreateGroupRequest{MemberIds: []string{"bob", " ", "alice", "bob", "carol"}}
	assert.Equal(t, []string{"alice", "bob", "carol"}, req.memberIds("alice"))
}
