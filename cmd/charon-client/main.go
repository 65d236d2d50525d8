// Command charon-client runs the Charon client side: it discovers a Charon
// server over XMPP and exposes a local JSON-RPC-over-HTTP endpoint that
// forwards calls to it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"mellium.im/xmpp/jid"

	charonclient "github.com/xaya/charon/client"
	"github.com/xaya/charon/internal/methodset"
	"github.com/xaya/charon/notify"
)

var log = logrus.WithField("component", "charon-client")

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// waitMethod is a local RPC method routed to Client.WaitForChange instead of
// being forwarded, along with the notification name it was enabled under.
type waitMethod struct {
	notification string
}

func run() error {
	var (
		serverJID       = pflag.String("server-jid", "", "bare or full JID for the server (required)")
		backendVersion  = pflag.String("backend-version", "", "version string required from the server's pong")
		clientJID       = pflag.String("client-jid", "", "bare or full JID for the client (required)")
		password        = pflag.String("password", "", "XMPP password for the client JID")
		cafile          = pflag.String("cafile", "", "root CA file to trust instead of the system pool")
		port            = pflag.Int("port", 0, "port for the local JSON-RPC server (required)")
		waitForChange   = pflag.Bool("waitforchange", false, "expose a waitforchange method routed to the state notification")
		waitForPending  = pflag.Bool("waitforpendingchange", false, "expose a waitforpendingchange method routed to the pending notification")
		detectServer    = pflag.Bool("detect-server", true, "run server detection immediately on start")
		timeout         = pflag.Duration("timeout", charonclient.DefaultTimeout, "timeout for finding a server and for each forwarded call's reply")
		methods         = pflag.String("methods", "", "comma-separated list of RPC methods to forward")
		methodsExclude  = pflag.String("methods-exclude", "", "comma-separated list of methods to exclude from forwarding")
		methodsJSONSpec = pflag.String("methods-json-spec", "", "JSON file describing methods; entries with a \"returns\" key augment --methods")
		logLevel        = pflag.String("log-level", "info", "logrus log level")
	)
	pflag.Parse()

	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", *logLevel, err)
	}
	logrus.SetLevel(lvl)

	if *serverJID == "" {
		return fmt.Errorf("--server-jid is required")
	}
	if *clientJID == "" {
		return fmt.Errorf("--client-jid is required")
	}
	if *port == 0 {
		return fmt.Errorf("--port is required")
	}

	server, err := jid.Parse(*serverJID)
	if err != nil {
		return fmt.Errorf("invalid --server-jid %q: %w", *serverJID, err)
	}
	full, err := jid.Parse(*clientJID)
	if err != nil {
		return fmt.Errorf("invalid --client-jid %q: %w", *clientJID, err)
	}

	log.WithField("server", server.String()).Info("charon-client: using server")
	log.WithField("version", *backendVersion).Info("charon-client: requiring backend version")
	c := charonclient.New(full, *password, server, *backendVersion, *timeout)
	if *cafile != "" {
		c.SetRootCA(*cafile)
	}

	selected, err := methodset.Select(*methods, *methodsExclude, *methodsJSONSpec)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		log.Warn("charon-client: no methods are selected for forwarding")
	}

	waiters := map[string]waitMethod{}
	if *waitForChange {
		c.EnableNotification("waitforchange", notify.State)
		waiters["waitforchange"] = waitMethod{notification: "waitforchange"}
	}
	if *waitForPending {
		c.EnableNotification("waitforpendingchange", notify.Pending)
		waiters["waitforpendingchange"] = waitMethod{notification: "waitforpendingchange"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("jid", full.String()).Info("charon-client: connecting")
	if err := c.Connect(ctx, 0); err != nil {
		return fmt.Errorf("connecting to XMPP: %w", err)
	}
	defer c.Disconnect()

	if *detectServer {
		res := c.GetServerResource(ctx)
		if res == "" {
			return errors.New("no Charon server found on detection")
		}
		log.WithField("resource", res).Info("charon-client: detected server")
	}

	rpc := &localRPCServer{client: c, methods: writeMethodsSet(selected), waiters: waiters, stop: stop}

	r := chi.NewRouter()
	r.Post("/", rpc.handle)

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", *port),
		Handler: r,
	}
	log.WithField("port", *port).Info("charon-client: listening for local RPCs")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("local RPC server failed: %w", err)
	}
	log.Info("charon-client: shutting down")
	return nil
}

// localRPCServer answers the local JSON-RPC 2.0 endpoint: "stop" shuts the
// listener down, waiter methods route to Client.WaitForChange, everything
// else in methods is forwarded verbatim to Client.ForwardMethod.
type localRPCServer struct {
	client  *charonclient.Client
	methods map[string]struct{}
	waiters map[string]waitMethod
	stop    context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeMethodsSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func (s *localRPCServer) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, -32700, "parse error: "+err.Error())
		return
	}

	if req.Method == "stop" {
		s.stop()
		writeResult(w, req.ID, nil)
		return
	}

	if wm, ok := s.waiters[req.Method]; ok {
		var params []json.RawMessage
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 1 {
			writeError(w, req.ID, -32602, "wait method expects a single positional argument")
			return
		}
		var knownID interface{}
		if err := json.Unmarshal(params[0], &knownID); err != nil {
			writeError(w, req.ID, -32602, "invalid known-id argument: "+err.Error())
			return
		}
		state, err := s.client.WaitForChange(wm.notification, knownID)
		if err != nil {
			writeError(w, req.ID, -32603, err.Error())
			return
		}
		writeResult(w, req.ID, state)
		return
	}

	if _, ok := s.methods[req.Method]; !ok {
		writeError(w, req.ID, -32601, "method not found or not allowed: "+req.Method)
		return
	}

	var params interface{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeError(w, req.ID, -32602, "invalid params: "+err.Error())
			return
		}
	}

	result, err := s.client.ForwardMethod(r.Context(), req.Method, params)
	if err != nil {
		var rpcErr *charonclient.RPCError
		if errors.As(err, &rpcErr) {
			writeErrorData(w, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
		writeError(w, req.ID, -32603, err.Error())
		return
	}
	writeResult(w, req.ID, result)
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result json.RawMessage) {
	if result == nil {
		result = json.RawMessage("null")
	}
	writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeErrorData(w, id, code, message, nil)
}

func writeErrorData(w http.ResponseWriter, id json.RawMessage, code int, message string, data interface{}) {
	writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErrorBody{Code: code, Message: message, Data: data}})
}

func writeJSON(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Warn("charon-client: failed to write RPC response")
	}
}
