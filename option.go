package bililive

import (
	"context"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	// defaultHeartbeatInterval matches the feed's expected keep-alive period.
	defaultHeartbeatInterval = 30 * time.Second
	// defaultMaxChunkLength is the server-side limit for one chat post.
	defaultMaxChunkLength = 30
	// defaultPacing is the delay between consecutive chat posts.
	defaultPacing = time.Second
)

// options holds the configuration for a session.
type options struct {
	logger  Logger
	metrics *Metrics
	tracer  trace.Tracer

	dialer        Dialer
	uri           string
	resolver      RoomResolver
	authenticator Authenticator

	commands map[string]Handler

	heartbeatInterval time.Duration
	protocolVersion   uint16
	// stop is polled by the heartbeat loop; true shuts the session down.
	stop func(*Session) bool

	onClose          func(*Session)
	onError          func(*Session, error)
	onConnectSuccess func(*Session)
	onHeartbeatReply func(*Session, uint32)
}

// Option is a function that configures session options.
type Option func(*options)

// checkOptions validates and sets default values for session options.
func checkOptions(opts *options) error {
	if opts.heartbeatInterval <= 0 {
		opts.heartbeatInterval = defaultHeartbeatInterval
	}

	if opts.protocolVersion == 0 {
		opts.protocolVersion = DefaultProtocolVersion
	}

	if opts.uri == "" {
		opts.uri = DefaultURI
	}
	if _, err := url.Parse(opts.uri); err != nil {
		return errors.Wrap(err, "invalid feed uri")
	}

	if opts.dialer == nil {
		opts.dialer = &WebsocketDialer{}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.tracer == nil {
		opts.tracer = defaultTracer()
	}

	return nil
}

// HeartbeatIntervalOption sets the delay between heartbeat frames.
func HeartbeatIntervalOption(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = interval
	}
}

// ProtocolVersionOption sets the version tag written on outbound frames.
func ProtocolVersionOption(version uint16) Option {
	return func(o *options) {
		o.protocolVersion = version
	}
}

// StopPredicateOption sets the function polled before every heartbeat.
// When it returns true the session closes its transport and Connect returns.
func StopPredicateOption(stop func(*Session) bool) Option {
	return func(o *options) {
		o.stop = stop
	}
}

// DialerOption sets the transport dialer. Defaults to a WebsocketDialer.
func DialerOption(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// URIOption sets the feed endpoint. Defaults to DefaultURI.
func URIOption(uri string) Option {
	return func(o *options) {
		o.uri = uri
	}
}

// RoomResolverOption sets the collaborator that canonicalizes room ids.
// Without one the requested id is used as is.
func RoomResolverOption(r RoomResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// AuthenticatorOption sets the login collaborator.
// Without one the session joins anonymously.
func AuthenticatorOption(a Authenticator) Option {
	return func(o *options) {
		o.authenticator = a
	}
}

// CommandsOption seeds the command table.
func CommandsOption(handlers map[string]Handler) Option {
	return func(o *options) {
		o.commands = handlers
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption sets the collectors the session records into.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// TracerOption sets the tracer used for connect spans.
// If not set, the global OpenTelemetry provider is used.
func TracerOption(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// OnCloseOption sets the hook run when the transport reports a close.
func OnCloseOption(cb func(*Session)) Option {
	return func(o *options) {
		o.onClose = cb
	}
}

// OnErrorOption sets the hook run when the transport reports an error.
func OnErrorOption(cb func(*Session, error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnConnectSuccessOption sets the hook run when the join is acknowledged.
func OnConnectSuccessOption(cb func(*Session)) Option {
	return func(o *options) {
		o.onConnectSuccess = cb
	}
}

// OnHeartbeatReplyOption sets the hook run for every heartbeat reply with
// the room popularity it carries.
func OnHeartbeatReplyOption(cb func(*Session, uint32)) Option {
	return func(o *options) {
		o.onHeartbeatReply = cb
	}
}

// publisherOptions holds the configuration for a Publisher.
type publisherOptions struct {
	logger         Logger
	metrics        *Metrics
	maxChunkLength int
	pacing         time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherOptions)

func checkPublisherOptions(opts *publisherOptions) {
	if opts.maxChunkLength <= 0 {
		opts.maxChunkLength = defaultMaxChunkLength
	}
	if opts.pacing < 0 {
		opts.pacing = 0
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.sleep == nil {
		opts.sleep = sleepContext
	}
}

// MaxChunkLengthOption sets the longest chat post, in characters.
func MaxChunkLengthOption(n int) PublisherOption {
	return func(o *publisherOptions) {
		o.maxChunkLength = n
	}
}

// PacingOption sets the delay between consecutive chat posts.
func PacingOption(d time.Duration) PublisherOption {
	return func(o *publisherOptions) {
		o.pacing = d
	}
}

// PublisherLoggerOption sets the publisher's logger.
func PublisherLoggerOption(logger Logger) PublisherOption {
	return func(o *publisherOptions) {
		o.logger = logger
	}
}

// PublisherMetricsOption sets the collectors the publisher records into.
func PublisherMetricsOption(m *Metrics) PublisherOption {
	return func(o *publisherOptions) {
		o.metrics = m
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
