package cache

import (
	"encoding"
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk/store"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	Id       string `msgpack:"id"`
	Nickname string `msgpack:"nickname"`
	Avatar   string `msgpack:"avatar"`
}

type DBAttachment struct {
	Name       string `msgpack:"name"`
	Path       string `msgpack:"path"`
	Size       int64  `msgpack:"size"`
	Mime       string `msgpack:"mime"`
	DurationMs int64  `msgpack:"durationMs"`
}

type DBMessage struct {
	Id             string         `msgpack:"id"`
	ConversationId string         `msgpack:"conversationId"`
	Seq            int64          `msgpack:"seq"`
	ClientMsgId    string         `msgpack:"clientMsgId"`
	SenderId       string         `msgpack:"senderId"`
	Type           string         `msgpack:"type"`
	Content        string         `msgpack:"content"`
	Attachments    []DBAttachment `msgpack:"attachments"`
	Status         string         `msgpack:"status"`
	IsEdited       bool           `msgpack:"isEdited"`
	IsDeleted      bool           `msgpack:"isDeleted"`
	SendAt         int64          `msgpack:"sendAt"`
}

type DBConversation struct {
	Id             string     `msgpack:"id"`
	Type           string     `msgpack:"type"`
	Name           string     `msgpack:"name"`
	Participants   []DBUser   `msgpack:"participants"`
	LastMessage    *DBMessage `msgpack:"lastMessage"`
	UnreadCount    int64      `msgpack:"unreadCount"`
	ReadSeq        int64      `msgpack:"readSeq"`
	LastActivityAt int64      `msgpack:"lastActivityAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.Id)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBUpload struct {
	Name string `msgpack:"name"`
	Mime string `msgpack:"mime"`
	Data []byte `msgpack:"data"`
}

// DBOutbox is a send that failed and waits for a retry
type DBOutbox struct {
	ClientMsgId    string     `msgpack:"clientMsgId"`
	ConversationId string     `msgpack:"conversationId"`
	Type           string     `msgpack:"type"`
	Content        string     `msgpack:"content"`
	ReplyTo        string     `msgpack:"replyTo"`
	DurationMs     int64      `msgpack:"durationMs"`
	Files          []DBUpload `msgpack:"files"`
	At             int64      `msgpack:"at"`
	Err            string     `msgpack:"err"`
}

func (o *DBOutbox) Key() []byte {
	return []byte(o.ClientMsgId)
}

func (o *DBOutbox) MarshalBinary() (data []byte, err error) {
	type alias DBOutbox
	return msgpack.Marshal((*alias)(o))
}

func (o *DBOutbox) UnmarshalBinary(data []byte) error {
	type alias DBOutbox
	return msgpack.Unmarshal(data, (*alias)(o))
}

func toDBConversation(c *store.Conversation) *DBConversation {
	dc := &DBConversation{
		Id:             c.Id,
		Type:           string(c.Type),
		Name:           c.Name,
		UnreadCount:    c.UnreadCount,
		ReadSeq:        c.ReadSeq,
		LastActivityAt: unixMilli(c.LastActivityAt),
	}
	for _, p := range c.Participants {
		dc.Participants = append(dc.Participants, DBUser{Id: p.Id, Nickname: p.Nickname, Avatar: p.Avatar})
	}
	if c.LastMessage != nil {
		d := store.ToData(c.LastMessage)
		dm := &DBMessage{
			Id:             d.Id,
			ConversationId: d.ConversationId,
			Seq:            d.Seq,
			ClientMsgId:    d.ClientMsgId,
			SenderId:       d.SenderId,
			Type:           string(d.Type),
			Content:        d.Content,
			Status:         d.Status,
			IsEdited:       d.IsEdited,
			IsDeleted:      d.IsDeleted,
			SendAt:         d.SendAt,
		}
		for _, a := range d.Attachments {
			dm.Attachments = append(dm.Attachments, DBAttachment{
				Name:       a.Name,
				Path:       a.Path,
				Size:       a.Size,
				Mime:       a.Mime,
				DurationMs: int64(a.Duration * 1000),
			})
		}
		dc.LastMessage = dm
	}
	return dc
}

func fromDBConversation(dc *DBConversation) (*store.Conversation, error) {
	d := &protocol.ConversationData{
		Id:             dc.Id,
		Type:           protocol.ConversationType(dc.Type),
		Name:           dc.Name,
		UnreadCount:    dc.UnreadCount,
		ReadSeq:        dc.ReadSeq,
		LastActivityAt: dc.LastActivityAt,
	}
	for _, p := range dc.Participants {
		d.Participants = append(d.Participants, protocol.UserData{Id: p.Id, Nickname: p.Nickname, Avatar: p.Avatar})
	}
	if dm := dc.LastMessage; dm != nil {
		md := &protocol.MessageData{
			Id:             dm.Id,
			ConversationId: dm.ConversationId,
			Seq:            dm.Seq,
			ClientMsgId:    dm.ClientMsgId,
			SenderId:       dm.SenderId,
			Type:           protocol.MessageType(dm.Type),
			Content:        dm.Content,
			Status:         dm.Status,
			IsEdited:       dm.IsEdited,
			IsDeleted:      dm.IsDeleted,
			SendAt:         dm.SendAt,
		}
		for _, a := range dm.Attachments {
			md.Attachments = append(md.Attachments, protocol.AttachmentData{
				Name:     a.Name,
				Path:     a.Path,
				Size:     a.Size,
				Mime:     a.Mime,
				Duration: float64(a.DurationMs) / 1000,
			})
		}
		d.LastMessage = md
	}
	return store.ParseConversation(d)
}

func toDBOutbox(f store.FailedSend) *DBOutbox {
	o := &DBOutbox{
		ClientMsgId:    f.Request.ClientMsgId,
		ConversationId: f.Request.ConversationId,
		Type:           string(f.Request.Type),
		Content:        f.Request.Content,
		ReplyTo:        f.Request.ReplyTo,
		DurationMs:     f.Request.Duration.Milliseconds(),
		At:             unixMilli(f.At),
	}
	if f.Err != nil {
		o.Err = f.Err.Error()
	}
	for _, up := range f.Request.Files {
		o.Files = append(o.Files, DBUpload{Name: up.Name, Mime: up.Mime, Data: up.Data})
	}
	return o
}

func fromDBOutbox(o *DBOutbox) store.FailedSend {
	f := store.FailedSend{
		Request: store.SendRequest{
			ConversationId: o.ConversationId,
			ClientMsgId:    o.ClientMsgId,
			Type:           protocol.MessageType(o.Type),
			Content:        o.Content,
			ReplyTo:        o.ReplyTo,
			Duration:       time.Duration(o.DurationMs) * time.Millisecond,
		},
		At: time.UnixMilli(o.At),
	}
	if o.Err != "" {
		f.Err = errors.New(o.Err)
	}
	for _, up := range o.Files {
		f.Request.Files = append(f.Request.Files, store.Upload{Name: up.Name, Mime: up.Mime, Data: up.Data})
	}
	return f
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
