// Package bus provides the workspace event bus: an embedded NATS JetStream
// server for standalone deployments, plus a typed publish/subscribe client.
// Workspace isolation happens at the subject level: each workspace owns a
// stream `workspace-{id}` covering `workspace.{id}.events.*`.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServerOptions configures the embedded NATS server.
type ServerOptions struct {
	// Port the server listens on. -1 picks a random free port.
	Port int

	// StoreDir is where JetStream data is persisted.
	StoreDir string

	// ServerName optionally names the server instance.
	ServerName string

	// JetStreamMaxMemory caps JetStream memory usage in bytes.
	// Defaults to 1GB.
	JetStreamMaxMemory int64

	// JetStreamMaxStore caps JetStream disk usage in bytes.
	// Defaults to 20GB.
	JetStreamMaxStore int64
}

// Server wraps an embedded NATS server.
type Server struct {
	natsServer *server.Server
	log        zerolog.Logger
	startOnce  sync.Once
}

// NewServer creates an embedded NATS server with JetStream enabled.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.JetStreamMaxMemory == 0 {
		opts.JetStreamMaxMemory = 1024 * 1024 * 1024
	}
	if opts.JetStreamMaxStore == 0 {
		opts.JetStreamMaxStore = 20 * 1024 * 1024 * 1024
	}

	serverOpts := &server.Options{
		ServerName:         opts.ServerName,
		JetStream:          true,
		StoreDir:           opts.StoreDir,
		JetStreamMaxMemory: opts.JetStreamMaxMemory,
		JetStreamMaxStore:  opts.JetStreamMaxStore,
		Port:               opts.Port,
	}

	natsServer, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	natsServer.SetLogger(newNATSLogger(), false, false)

	return &Server{
		natsServer: natsServer,
		log:        log.With().Str("component", "nats-server").Logger(),
	}, nil
}

// Start launches the server and waits until it accepts connections.
func (s *Server) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.natsServer.Start()
	})
	if !s.natsServer.ReadyForConnections(5 * time.Second) {
		return fmt.Errorf("NATS server failed to start within 5s timeout")
	}
	s.log.Info().Str("url", s.ClientURL()).Msg("embedded NATS server ready")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.natsServer.LameDuckShutdown()
	return nil
}

// ClientURL returns the URL clients should connect to.
func (s *Server) ClientURL() string {
	return s.natsServer.ClientURL()
}

func newNATSLogger() server.Logger {
	return &natsLogger{
		log: log.With().Str("component", "nats").Logger().Level(zerolog.WarnLevel),
	}
}

// natsLogger forwards NATS server logging to zerolog.
type natsLogger struct {
	log zerolog.Logger
}

func (n *natsLogger) Noticef(format string, v ...interface{}) { n.log.Info().Msgf(format, v...) }
func (n *natsLogger) Warnf(format string, v ...interface{})   { n.log.Warn().Msgf(format, v...) }
func (n *natsLogger) Fatalf(format string, v ...interface{})  { n.log.Fatal().Msgf(format, v...) }
func (n *natsLogger) Errorf(format string, v ...interface{})  { n.log.Error().Msgf(format, v...) }
func (n *natsLogger) Debugf(format string, v ...interface{})  { n.log.Debug().Msgf(format, v...) }
func (n *natsLogger) Tracef(format string, v ...interface{})  { n.log.Trace().Msgf(format, v...) }
