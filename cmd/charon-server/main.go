// Command charon-server runs the Charon server side: it answers ping
// discovery messages, forwards a configured set of JSON-RPC methods to a
// backend HTTP endpoint, and publishes long-polled backend notifications
// over pub/sub.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"mellium.im/xmpp/jid"

	"github.com/xaya/charon/backendrpc"
	"github.com/xaya/charon/internal/methodset"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/server"
)

var log = logrus.WithField("component", "charon-server")

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var (
		backendURL      = pflag.String("backend-rpc-url", "", "URL of the backend JSON-RPC server (required)")
		backendVersion  = pflag.String("backend-version", "", "version string advertised to clients in the pong")
		serverJID       = pflag.String("server-jid", "", "XMPP JID this server logs in as (required)")
		password        = pflag.String("password", "", "password for the server JID")
		cafile          = pflag.String("cafile", "", "root CA file to trust instead of the system pool")
		priority        = pflag.Int("priority", 0, "presence priority to advertise")
		pubsubService   = pflag.String("pubsub-service", "", "XMPP pub/sub service JID, required if any notification is enabled")
		waitForChange   = pflag.Bool("waitforchange", false, "expose a state notification, long-polling backend's waitforchange method")
		waitForPending  = pflag.Bool("waitforpendingchange", false, "expose a pending notification, long-polling backend's waitforpendingchange method")
		methods         = pflag.String("methods", "", "comma-separated list of RPC methods to forward")
		methodsExclude  = pflag.String("methods-exclude", "", "comma-separated list of methods to exclude from forwarding")
		methodsJSONSpec = pflag.String("methods-json-spec", "", "JSON file describing the backend's RPC methods; entries with a \"returns\" key augment --methods")
		reconnectEvery  = pflag.Duration("reconnect-interval", 5*time.Second, "how often to retry connecting after a disconnect")
		backendTimeout  = pflag.Duration("backend-timeout", 60*time.Second, "timeout for a single forwarded backend call")
		logLevel        = pflag.String("log-level", "info", "logrus log level")
	)
	pflag.Parse()

	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", *logLevel, err)
	}
	logrus.SetLevel(lvl)

	if *backendURL == "" {
		return fmt.Errorf("--backend-rpc-url is required")
	}
	if *serverJID == "" {
		return fmt.Errorf("--server-jid is required")
	}
	full, err := jid.Parse(*serverJID)
	if err != nil {
		return fmt.Errorf("invalid --server-jid %q: %w", *serverJID, err)
	}

	var pubsub *jid.JID
	if *pubsubService != "" {
		pubsub, err = jid.Parse(*pubsubService)
		if err != nil {
			return fmt.Errorf("invalid --pubsub-service %q: %w", *pubsubService, err)
		}
	}
	if pubsub == nil && (*waitForChange || *waitForPending) {
		return fmt.Errorf("--pubsub-service is required when a notification is enabled")
	}

	selected, err := methodset.Select(*methods, *methodsExclude, *methodsJSONSpec)
	if err != nil {
		return err
	}

	backend := backendrpc.New(*backendURL, *backendTimeout)
	forwarder := backendrpc.NewMethodSet(backend)
	for _, m := range selected {
		forwarder.Allow(m)
	}

	s := server.New(full, *password, *backendVersion, pubsub)
	if *cafile != "" {
		s.SetRootCA(*cafile)
	}
	for _, m := range selected {
		m := m
		s.RegisterMethod(m, func(ctx context.Context, params json.RawMessage) (interface{}, *server.BackendError) {
			return forwarder.Handle(ctx, m, params)
		})
	}

	if *waitForChange {
		s.AddNotification("waitforchange", notify.State, forwarder.Waiter("waitforchange", notify.State.AlwaysBlockID()))
	}
	if *waitForPending {
		s.AddNotification("waitforpendingchange", notify.Pending, forwarder.Waiter("waitforpendingchange", notify.Pending.AlwaysBlockID()))
	}

	log.WithField("methods", selected).Info("charon-server: starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.Connect(ctx, int8(*priority)); err != nil {
		return fmt.Errorf("initial connect failed: %w", err)
	}
	reconnect := server.NewReconnectLoop(s, *reconnectEvery, int8(*priority))
	reconnect.Start()
	defer reconnect.Stop()

	<-ctx.Done()
	log.Info("charon-server: shutting down")
	return s.Disconnect()
}
