package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ReconnectLoop is the external collaborator of §4.5: a goroutine that
// periodically checks whether the server is still connected and, if not,
// tries to reconnect.
type ReconnectLoop struct {
	server   *Server
	interval time.Duration
	priority int8

	stop chan struct{}
	done chan struct{}
}

// NewReconnectLoop returns a stopped loop that will call server.Connect with
// priority whenever server.IsConnected is false, checking every interval.
func NewReconnectLoop(server *Server, interval time.Duration, priority int8) *ReconnectLoop {
	return &ReconnectLoop{server: server, interval: interval, priority: priority}
}

// Start launches the loop's goroutine.
func (r *ReconnectLoop) Start() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run()
}

// Stop signals the loop to exit and joins it. If the server is still
// connected after the loop has exited, it is then disconnected.
func (r *ReconnectLoop) Stop() {
	close(r.stop)
	<-r.done

	if r.server.IsConnected() {
		if err := r.server.Disconnect(); err != nil {
			logrus.WithError(err).Warn("server: error disconnecting during reconnect-loop stop")
		}
	}
}

func (r *ReconnectLoop) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if r.server.IsConnected() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			err := r.server.Connect(ctx, r.priority)
			cancel()
			if err != nil {
				logrus.WithError(err).Warn("server: reconnect attempt failed")
			}
		}
	}
}
