package chatwire

import (
	adapterpkg "github.com/chatwire/chatwire/internal/bus/adapter"
	codecpkg "github.com/chatwire/chatwire/internal/bus/codec"
	dispatchpkg "github.com/chatwire/chatwire/internal/bus/dispatch"
	envelopepkg "github.com/chatwire/chatwire/internal/bus/envelope"
	errspkg "github.com/chatwire/chatwire/internal/bus/errs"
	idspkg "github.com/chatwire/chatwire/internal/bus/ids"
	loggingpkg "github.com/chatwire/chatwire/internal/bus/logging"
	metricspkg "github.com/chatwire/chatwire/internal/bus/metrics"
	routerpkg "github.com/chatwire/chatwire/internal/bus/router"
	runtimepkg "github.com/chatwire/chatwire/internal/bus/runtime"
	sinkpkg "github.com/chatwire/chatwire/internal/bus/sink"
	wirepkg "github.com/chatwire/chatwire/internal/bus/wire"
)

type (
	// Envelope and content model.
	Envelope       = envelopepkg.Envelope
	ChannelInfo    = envelopepkg.ChannelInfo
	SenderInfo     = envelopepkg.SenderInfo
	Direction      = envelopepkg.Direction
	Role           = envelopepkg.Role
	ChannelType    = envelopepkg.ChannelType
	ContentType    = envelopepkg.ContentType
	EventType      = envelopepkg.EventType
	Content        = envelopepkg.Content
	TextContent    = envelopepkg.TextContent
	ImageContent   = envelopepkg.ImageContent
	AudioContent   = envelopepkg.AudioContent
	FileContent    = envelopepkg.FileContent
	VideoContent   = envelopepkg.VideoContent
	EventContent   = envelopepkg.EventContent
	CommandContent = envelopepkg.CommandContent
	SystemContent  = envelopepkg.SystemContent
	SchemaError    = envelopepkg.SchemaError
	DecodeError    = codecpkg.DecodeError

	// Sink and dispatch.
	CoreSink          = sinkpkg.CoreSink
	SinkHandler       = sinkpkg.Handler
	OutgoingHandler   = sinkpkg.OutgoingHandler
	InProcessSink     = sinkpkg.InProcessSink
	ProcessSink       = sinkpkg.ProcessSink
	ProcessSinkServer = sinkpkg.ProcessSinkServer
	BatchDispatcher   = dispatchpkg.BatchDispatcher
	DispatcherConfig  = dispatchpkg.Config

	// Adapters.
	Adapter          = adapterpkg.Adapter
	AdapterConfig    = adapterpkg.Config
	ConvertFunc      = adapterpkg.ConvertFunc
	SendFunc         = adapterpkg.SendFunc
	WebSocketOptions = adapterpkg.WebSocketOptions
	HTTPOptions      = adapterpkg.HTTPOptions

	// Wire protocol.
	MessageServer  = wirepkg.Server
	MessageClient  = wirepkg.Client
	ServerConfig   = wirepkg.ServerConfig
	ConnectOptions = wirepkg.ConnectOptions
	WireHandler    = wirepkg.Handler
	Frame          = wirepkg.Frame
	FrameType      = wirepkg.FrameType

	// Router.
	Router       = routerpkg.Router
	RouteConfig  = routerpkg.RouteConfig
	TargetConfig = routerpkg.TargetConfig

	// Runtime.
	MessageRuntime         = runtimepkg.MessageRuntime
	Handler                = runtimepkg.Handler
	BatchHandler           = runtimepkg.BatchHandler
	Predicate              = runtimepkg.Predicate
	Hook                   = runtimepkg.Hook
	ErrorHook              = runtimepkg.ErrorHook
	Middleware             = runtimepkg.Middleware
	RouteOption            = runtimepkg.RouteOption
	MessageProcessingError = runtimepkg.MessageProcessingError

	// Ambient.
	LogFields = loggingpkg.LogFields
	BusLogger = loggingpkg.BusLogger
	Metrics   = metricspkg.Metrics
)

// Content tags and event names.
const (
	ContentTypeText    = envelopepkg.ContentTypeText
	ContentTypeImage   = envelopepkg.ContentTypeImage
	ContentTypeAudio   = envelopepkg.ContentTypeAudio
	ContentTypeFile    = envelopepkg.ContentTypeFile
	ContentTypeVideo   = envelopepkg.ContentTypeVideo
	ContentTypeEvent   = envelopepkg.ContentTypeEvent
	ContentTypeCommand = envelopepkg.ContentTypeCommand
	ContentTypeSystem  = envelopepkg.ContentTypeSystem

	DirectionIncoming = envelopepkg.DirectionIncoming
	DirectionOutgoing = envelopepkg.DirectionOutgoing

	FrameTypeMessage = wirepkg.FrameTypeMessage
	FrameTypeSend    = wirepkg.FrameTypeSend
)

var (
	// Codec.
	Encode            = codecpkg.Encode
	EncodeMany        = codecpkg.EncodeMany
	Decode            = codecpkg.Decode
	DecodeMany        = codecpkg.DecodeMany
	IsSchemaViolation = codecpkg.IsSchemaViolation
	DecodeContent     = envelopepkg.DecodeContent

	// Content constructors.
	NewText  = envelopepkg.NewText
	NewEvent = envelopepkg.NewEvent

	// IDs.
	NewMessageID = idspkg.New

	// Constructors.
	NewInProcessSink   = sinkpkg.NewInProcessSink
	NewProcessPair     = sinkpkg.NewProcessPair
	NewBatchDispatcher = dispatchpkg.New
	NewAdapter         = adapterpkg.New
	NewMessageServer   = wirepkg.NewServer
	NewMessageClient   = wirepkg.NewClient
	NewRouter          = routerpkg.NewRouter
	NewMessageRuntime  = runtimepkg.NewMessageRuntime
	NewMetrics         = metricspkg.New

	// Runtime middleware and route options.
	TracingMiddleware = runtimepkg.TracingMiddleware
	LoggingMiddleware = runtimepkg.LoggingMiddleware
	WithName          = runtimepkg.WithName
	WithContentType   = runtimepkg.WithContentType
	WithPlatform      = runtimepkg.WithPlatform
	WithPredicate     = runtimepkg.WithPredicate
	WithEventTypes    = runtimepkg.WithEventTypes

	// Logging.
	NewSlogLogger       = loggingpkg.NewSlogLogger
	NewWatermillLogger  = loggingpkg.NewWatermillLogger
	NewWatermillAdapter = loggingpkg.NewWatermillAdapter
	NopLogger           = loggingpkg.Nop

	// Sentinel errors.
	ErrNotImplemented   = errspkg.ErrNotImplemented
	ErrNotConnected     = errspkg.ErrNotConnected
	ErrNoConnection     = errspkg.ErrNoConnection
	ErrUnknownPlatform  = errspkg.ErrUnknownPlatform
	ErrDispatcherClosed = errspkg.ErrDispatcherClosed
	ErrSinkClosed       = errspkg.ErrSinkClosed
	ErrHandlerRequired  = errspkg.ErrHandlerRequired
)
