// Package server binds a TCP socket and serves HTTP over it, as a set of
// tasks of a task.Group which stop gracefully on the Group's cancellation.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/wmib/rowshim/task"
)

// ShutdownTimeout bounds the time allowed for in-flight requests to complete
// upon a graceful stop.
var ShutdownTimeout = 10 * time.Second

// Server serves HTTP over a bound TCP listener.
type Server struct {
	// RawListener is the bound TCP listener of the Server.
	RawListener *net.TCPListener
	// HTTPMux is the http.ServeMux which is served by QueueTasks.
	HTTPMux *http.ServeMux
	// HTTPServer serves HTTPMux over RawListener.
	HTTPServer *http.Server
}

// New builds and returns a Server of the given TCP network interface |iface|
// and |port|. |port| may be zero, in which case a random free port is assigned.
func New(iface string, port uint16) (*Server, error) {
	var addr = fmt.Sprintf("%s:%d", iface, port)

	var raw, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind service address (%s)", addr)
	}
	var mux = http.NewServeMux()

	return &Server{
		RawListener: raw.(*net.TCPListener),
		HTTPMux:     mux,
		HTTPServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
		},
	}, nil
}

// Port bound by the Server.
func (s *Server) Port() int { return s.RawListener.Addr().(*net.TCPAddr).Port }

// Endpoint of the Server.
func (s *Server) Endpoint() string {
	return "http://" + s.RawListener.Addr().String()
}

// QueueTasks serving the HTTP server onto the task.Group. Upon cancellation
// of the Group, the server stops accepting connections and waits up to
// ShutdownTimeout for in-flight requests.
func (s *Server) QueueTasks(tg *task.Group) {
	tg.Queue("http.Serve", func() error {
		var err = s.HTTPServer.Serve(keepAliveListener{s.RawListener})
		if err == http.ErrServerClosed {
			return nil // Graceful shutdown.
		}
		return err
	})
	tg.Queue("http.Shutdown", func() error {
		<-tg.Context().Done() // Block until task.Group is cancelled.

		var ctx, cancel = context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		if err := s.HTTPServer.Shutdown(ctx); err != nil {
			log.WithField("err", err).Warn("failed to gracefully shut down HTTP server")
		}
		return nil
	})
}

// keepAliveListener sets TCP keep-alive timeouts on accepted connections,
// so that dead TCP connections eventually go away.
type keepAliveListener struct {
	*net.TCPListener
}

func (ln keepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
