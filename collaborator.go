package bililive

import "context"

// RoomResolver turns a user-facing room id, possibly a short vanity id,
// into the canonical room id.
type RoomResolver interface {
	ResolveRoom(ctx context.Context, requested int64) (int64, error)
}

// Profile identifies a logged-in viewer.
type Profile struct {
	UserID   int64
	UserName string
}

// Authenticator reports the viewer's login state and profile.
type Authenticator interface {
	CheckLogin(ctx context.Context) (bool, error)
	FetchProfile(ctx context.Context) (Profile, error)
}

// ChatPost is one outbound chat chunk with its formatting parameters.
type ChatPost struct {
	RoomID   int64
	Text     string
	Color    int
	FontSize int
	Mode     int
	// Rnd is the freshness token, the unix time of the post.
	Rnd int64
}

// ChatPoster submits one chat chunk and returns the API's result code.
// Zero means success.
type ChatPoster interface {
	PostChat(ctx context.Context, post ChatPost) (int, error)
}

// DeliveryKind classifies one transport delivery.
type DeliveryKind int

const (
	// DeliveryBinary carries frame bytes.
	DeliveryBinary DeliveryKind = iota
	// DeliveryText carries a text message; the feed never sends one.
	DeliveryText
	// DeliveryClosed reports that the peer or the session closed the transport.
	DeliveryClosed
	// DeliveryError reports a read failure; the transport is unusable after it.
	DeliveryError
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliveryBinary:
		return "binary"
	case DeliveryText:
		return "text"
	case DeliveryClosed:
		return "closed"
	case DeliveryError:
		return "error"
	default:
		return "unknown"
	}
}

// Delivery is one unit received from the transport.
type Delivery struct {
	Kind DeliveryKind
	Data []byte
	Err  error
}

// Transport is an established, message-oriented connection.
// Receive is called from one goroutine and SendBinary from another; Close
// may be called concurrently with both and must unblock Receive.
type Transport interface {
	Receive() Delivery
	SendBinary(data []byte) error
	Close() error
}

// Dialer opens a Transport to uri.
type Dialer interface {
	Dial(ctx context.Context, uri string) (Transport, error)
}
