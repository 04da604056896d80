package bililive

import (
	"context"
	"time"
	"unicode/utf8"
)

// Chat formatting defaults accepted by the post API.
const (
	DefaultColor    = 0xffffff
	DefaultFontSize = 25
	DefaultMode     = 1
)

// ChatMessage is an outbound chat line before chunking.
type ChatMessage struct {
	RoomID   int64
	Text     string
	Color    int
	FontSize int
	Mode     int
}

// Publisher posts chat messages, splitting long ones into paced chunks.
//
// Delivery results are reported through the logger and metrics only: a
// rejected or failed chunk is logged and the remaining chunks are still
// posted. Nothing is retried.
type Publisher struct {
	poster ChatPoster
	opts   publisherOptions
}

// NewPublisher returns a Publisher posting through poster.
func NewPublisher(poster ChatPoster, opt ...PublisherOption) *Publisher {
	opts := publisherOptions{pacing: defaultPacing}
	for _, o := range opt {
		o(&opts)
	}
	checkPublisherOptions(&opts)

	return &Publisher{poster: poster, opts: opts}
}

// Send posts msg.Text. Text no longer than the chunk limit, counted in
// characters, is posted once. Longer text is posted as consecutive full
// chunks followed by the remainder, which is posted even when empty, with the
// pacing delay between posts. Zero formatting fields take the defaults.
//
// The only error returned is ctx's, when it ends between posts.
func (p *Publisher) Send(ctx context.Context, msg ChatMessage) error {
	if msg.Color == 0 {
		msg.Color = DefaultColor
	}
	if msg.FontSize == 0 {
		msg.FontSize = DefaultFontSize
	}
	if msg.Mode == 0 {
		msg.Mode = DefaultMode
	}

	limit := p.opts.maxChunkLength
	if utf8.RuneCountInString(msg.Text) <= limit {
		p.post(ctx, msg, msg.Text)
		return nil
	}

	chunks := splitRunes(msg.Text, limit)
	for i, chunk := range chunks {
		if i > 0 {
			if err := p.opts.sleep(ctx, p.opts.pacing); err != nil {
				p.opts.logger.Warn("chat send interrupted", "room", msg.RoomID, "posted", i, "chunks", len(chunks))
				return err
			}
		}
		p.post(ctx, msg, chunk)
	}
	return nil
}

// splitRunes returns len/limit full chunks of limit characters and then the
// remainder, which may be empty.
func splitRunes(text string, limit int) []string {
	runes := []rune(text)
	full := len(runes) / limit

	chunks := make([]string, 0, full+1)
	for i := 0; i < full; i++ {
		chunks = append(chunks, string(runes[i*limit:(i+1)*limit]))
	}
	return append(chunks, string(runes[full*limit:]))
}

func (p *Publisher) post(ctx context.Context, msg ChatMessage, chunk string) {
	code, err := p.poster.PostChat(ctx, ChatPost{
		RoomID:   msg.RoomID,
		Text:     chunk,
		Color:    msg.Color,
		FontSize: msg.FontSize,
		Mode:     msg.Mode,
		Rnd:      time.Now().Unix(),
	})

	switch {
	case err != nil:
		p.opts.metrics.chatPost("error")
		p.opts.logger.Error("chat post failed", "room", msg.RoomID, "chunk", chunk, "error", err)
	case code != 0:
		p.opts.metrics.chatPost("rejected")
		p.opts.logger.Warn("chat post rejected", "room", msg.RoomID, "chunk", chunk, "code", code)
	default:
		p.opts.metrics.chatPost("ok")
		p.opts.logger.Debug("chat posted", "room", msg.RoomID, "chunk", chunk)
	}
}
