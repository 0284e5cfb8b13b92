package raft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// inboundEnvelope pairs a decoded envelope with the peer connection it
// arrived on, which the core relies on to determine per-peer arrival
// order. It is unexported: nothing outside the package construct one.
type inboundEnvelope struct {
	From ServerId
	Env  *Envelope
}

// Transport is the concrete network collaborator the spec treats as
// external, specified only by its interface: best-effort per-peer-ordered
// send, with delivery neither guaranteed nor deduplicated. The core
// tolerates drops, duplicates and reordering across peers by construction;
// it only requires FIFO delivery from any single peer connection.
type Transport interface {
	Send(peer ServerId, env *Envelope) error
	Close() error
}

// sendJob is one queued outbound request, carrying everything sendRequest
// needs to hand it to the http.Client.
type sendJob struct {
	address ServerAddress
	env     *Envelope
	req     *http.Request
}

// HTTPTransport is a reference Transport: every envelope is a POST to the
// recipient's public address, answered with a bare 204. Sends to a given
// peer are queued and drained by a single worker goroutine dedicated to
// that peer, so envelopes are issued to the network in the order Send was
// called, regardless of how the client's goroutine is scheduled.
// MaxConnsPerHost: 1 additionally keeps at most one connection open per
// peer, so the peer also observes them in that order.
type HTTPTransport struct {
	self         ServerId
	localAddress ServerAddress
	servers      ServerSet
	log          Logger

	httpServer *http.Server
	httpClient *http.Client

	peerQueues map[ServerId]chan sendJob
	workersWg  sync.WaitGroup

	inbox     chan<- inboundEnvelope
	stopChan  chan struct{}
	errorChan chan<- error
}

func NewHTTPTransport(self ServerId, localAddress ServerAddress, servers ServerSet, inbox chan<- inboundEnvelope, logger Logger) *HTTPTransport {
	if logger == nil {
		logger = nopLogger{}
	}

	return &HTTPTransport{
		self:         self,
		localAddress: localAddress,
		servers:      servers,
		log:          logger,
		inbox:        inbox,
		stopChan:     make(chan struct{}),
	}
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxConnsPerHost: 1,
		MaxIdleConns:    30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}
}

// Start begins listening for inbound envelopes from peers. A failure to
// bind is returned; an unexpected listener error once serving has begun is
// reported on errorChan, and the caller decides whether that is fatal to
// the process.
func (t *HTTPTransport) Start(errorChan chan<- error) error {
	t.errorChan = errorChan

	listener, err := net.Listen("tcp", string(t.localAddress))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.localAddress, err)
	}

	t.log.Info("listening on %s", t.localAddress)

	t.httpServer = &http.Server{
		Addr:              string(t.localAddress),
		Handler:           t,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	t.httpClient = newHTTPClient()

	t.peerQueues = make(map[ServerId]chan sendJob, len(t.servers))
	for id := range t.servers {
		if id == t.self {
			continue
		}

		queue := make(chan sendJob, 256)
		t.peerQueues[id] = queue

		t.workersWg.Add(1)
		go t.runPeerWorker(queue)
	}

	go func() {
		defer func() {
			if value := recover(); value != nil {
				t.log.Error("panic: %s\n%s", RecoverValueString(value), StackTrace(10))
			}
		}()

		if err := t.httpServer.Serve(listener); err != http.ErrServerClosed {
			t.errorChan <- fmt.Errorf("transport server error: %w", err)
		}
	}()

	return nil
}

func (t *HTTPTransport) Close() error {
	close(t.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := t.httpServer.Shutdown(ctx)
	t.workersWg.Wait()
	return err
}

// Send queues env for delivery to peer; a failed send is treated as
// message loss (TransportSendFailure), logged locally, never retried here.
// Retries are the driver's job, driven by the heartbeat ticker and
// nextIndex/matchIndex bookkeeping. Queueing, rather than spawning a
// goroutine per call, is what actually guarantees that envelopes reach the
// peer's worker in the order Send was called; goroutine scheduling alone
// does not.
func (t *HTTPTransport) Send(peer ServerId, env *Envelope) error {
	recipient, found := t.servers[peer]
	if !found {
		return fmt.Errorf("unknown peer %d", peer)
	}

	queue, found := t.peerQueues[peer]
	if !found {
		return fmt.Errorf("no send queue for peer %d", peer)
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("cannot encode envelope: %w", err)
	}

	uri := url.URL{Scheme: "http", Host: string(recipient.PublicAddress)}

	req, err := http.NewRequest(http.MethodPost, uri.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("X-Raft-Source-Id", strconv.FormatInt(int64(t.self), 10))

	job := sendJob{address: recipient.PublicAddress, env: env, req: req}
	select {
	case queue <- job:
	default:
		// The peer's worker is backed up; dropping here is the same
		// TransportSendFailure tolerance as a failed Do, just caught
		// earlier.
		t.log.Error("send queue to %d is full, dropping %s", peer, env.Type)
	}

	return nil
}

// runPeerWorker drains queue one job at a time, so every request reaches
// httpClient.Do in the order it was queued for this peer.
func (t *HTTPTransport) runPeerWorker(queue chan sendJob) {
	defer t.workersWg.Done()

	for {
		select {
		case job := <-queue:
			t.sendRequest(job.address, job.env, job.req)
		case <-t.stopChan:
			return
		}
	}
}

func (t *HTTPTransport) sendRequest(address ServerAddress, env *Envelope, req *http.Request) {
	defer func() {
		if value := recover(); value != nil {
			t.log.Error("panic sending %s: %s\n%s", env.Type, RecoverValueString(value), StackTrace(10))
		}
	}()

	res, err := t.httpClient.Do(req)
	if err != nil {
		t.log.Error("cannot send %s to %s: %v", env.Type, address, err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(res.Body)
		msg := string(body)
		if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
			msg = msg[:idx]
		}
		t.log.Error("%s to %s failed with status %d: %s", env.Type, address, res.StatusCode, msg)
	}
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sourceIdStr := req.Header.Get("X-Raft-Source-Id")
	sourceId, err := strconv.ParseInt(sourceIdStr, 10, 64)
	if sourceIdStr == "" || err != nil {
		t.replyError(w, http.StatusBadRequest, "missing or invalid X-Raft-Source-Id header")
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, http.StatusInternalServerError, "cannot read request body: %v", err)
		return
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		// MalformedMessage: no reply, just a bare acknowledgement so the
		// sender does not treat this connection as broken.
		t.log.Error("dropping malformed envelope from %d: %v", sourceId, err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(http.StatusNoContent)

	select {
	case <-t.stopChan:
		return
	default:
	}

	select {
	case t.inbox <- inboundEnvelope{From: ServerId(sourceId), Env: env}:
	case <-t.stopChan:
	}
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.log.Error(format, args...)
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}
