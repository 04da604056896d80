package bililive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Known command keys.
const (
	CmdDanmaku      = "DANMU_MSG"
	CmdSendGift     = "SEND_GIFT"
	CmdLive         = "LIVE"
	CmdPreparing    = "PREPARING"
	CmdWelcome      = "WELCOME"
	CmdWelcomeGuard = "WELCOME_GUARD"
	CmdGuardBuy     = "GUARD_BUY"
	CmdRoomBlock    = "ROOM_BLOCK_MSG"
	CmdSysGift      = "SYS_GIFT"
	CmdSpecialGift  = "SPECIAL_GIFT"
)

// Danmaku is one viewer chat line.
type Danmaku struct {
	Time     time.Time
	UserID   int64
	UserName string
	Content  string
}

// ParseDanmaku reads a DANMU_MSG command. Its info array holds a metadata
// array whose fifth element is the send time in milliseconds, the text, and
// a [uid, uname, ...] array.
func ParseDanmaku(msg *Message) (Danmaku, error) {
	var body struct {
		Info []json.RawMessage `json:"info"`
	}
	if err := msg.Decode(&body); err != nil {
		return Danmaku{}, errors.Wrap(err, "decode danmaku")
	}
	if len(body.Info) < 3 {
		return Danmaku{}, errors.Errorf("danmaku info has %d elements, want 3", len(body.Info))
	}

	var (
		d      Danmaku
		header []json.RawMessage
		user   []json.RawMessage
	)
	if err := json.Unmarshal(body.Info[0], &header); err == nil && len(header) > 4 {
		var ms int64
		if err := json.Unmarshal(header[4], &ms); err == nil {
			d.Time = time.UnixMilli(ms)
		}
	}
	if err := json.Unmarshal(body.Info[1], &d.Content); err != nil {
		return Danmaku{}, errors.Wrap(err, "decode danmaku content")
	}
	if err := json.Unmarshal(body.Info[2], &user); err != nil || len(user) < 2 {
		return Danmaku{}, errors.New("decode danmaku user")
	}
	if err := json.Unmarshal(user[0], &d.UserID); err != nil {
		return Danmaku{}, errors.Wrap(err, "decode danmaku uid")
	}
	if err := json.Unmarshal(user[1], &d.UserName); err != nil {
		return Danmaku{}, errors.Wrap(err, "decode danmaku uname")
	}
	return d, nil
}

// Gift is one SEND_GIFT event.
type Gift struct {
	UserName string `json:"uname"`
	GiftName string `json:"giftName"`
	Num      int    `json:"num"`
}

// ParseGift reads a SEND_GIFT command.
func ParseGift(msg *Message) (Gift, error) {
	var body struct {
		Data Gift `json:"data"`
	}
	if err := msg.Decode(&body); err != nil {
		return Gift{}, errors.Wrap(err, "decode gift")
	}
	return body.Data, nil
}

// DanmakuHandler adapts fn to a Handler for CmdDanmaku.
func DanmakuHandler(fn func(ctx context.Context, s *Session, d Danmaku) error) Handler {
	return HandlerFunc(func(ctx context.Context, s *Session, msg *Message) error {
		d, err := ParseDanmaku(msg)
		if err != nil {
			return err
		}
		return fn(ctx, s, d)
	})
}

// GiftHandler adapts fn to a Handler for CmdSendGift.
func GiftHandler(fn func(ctx context.Context, s *Session, g Gift) error) Handler {
	return HandlerFunc(func(ctx context.Context, s *Session, msg *Message) error {
		g, err := ParseGift(msg)
		if err != nil {
			return err
		}
		return fn(ctx, s, g)
	})
}
