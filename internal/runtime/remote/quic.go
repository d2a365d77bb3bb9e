package remote

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	http3 "github.com/quic-go/quic-go/http3"
)

const (
	envelopePath  = "/v1/envelope"
	versionHeader = "X-Aithon-Proto"
	nodeHeader    = "X-Aithon-Node"

	maxEnvelopeBytes = 16 << 20
)

// protocolRange accepts any peer speaking a compatible 1.x protocol.
var protocolRange = func() *semver.Constraints {
	c, err := semver.NewConstraint("^" + ProtocolVersion)
	if err != nil {
		panic(fmt.Sprintf("bad protocol constraint: %v", err))
	}
	return c
}()

// compatibleVersion reports whether a peer's advertised protocol version can
// interoperate with this build.
func compatibleVersion(v string) bool {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return protocolRange.Check(ver)
}

// QUICTransport carries envelopes over HTTP/3. Each Send is one request to
// the peer's envelope endpoint; the version header gates protocol
// compatibility on both sides.
type QUICTransport struct {
	nodeName    string
	serverTLS   *tls.Config
	clientTLS   *tls.Config
	dialTimeout time.Duration

	srv    *http3.Server
	pc     net.PacketConn
	client *http.Client
	done   chan struct{}

	addr    string
	handler Handler
	mutex   sync.RWMutex
}

// NewQUICTransport creates a transport. serverTLS must carry a certificate;
// clientTLS configures peer verification (tests may skip it).
func NewQUICTransport(nodeName string, serverTLS, clientTLS *tls.Config, dialTimeout time.Duration) *QUICTransport {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &QUICTransport{
		nodeName:    nodeName,
		serverTLS:   serverTLS,
		clientTLS:   clientTLS,
		dialTimeout: dialTimeout,
	}
}

// Start binds a UDP socket and begins serving the envelope endpoint. With a
// ":0" address the bound port is available from Address afterwards.
func (t *QUICTransport) Start(address string, handler Handler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.addr != "" {
		return fmt.Errorf("transport already started")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(envelopePath, t.handleEnvelope)

	pc, err := net.ListenPacket("udp", address)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %v", address, err)
	}

	t.pc = pc
	t.srv = &http3.Server{Addr: address, TLSConfig: t.serverTLS, Handler: mux}
	t.client = &http.Client{
		Transport: &http3.Transport{TLSClientConfig: t.clientTLS},
		Timeout:   t.dialTimeout,
	}
	t.handler = handler
	t.addr = pc.LocalAddr().String()
	t.done = make(chan struct{})

	go func(srv *http3.Server, pc net.PacketConn, done chan struct{}) {
		_ = srv.Serve(pc)
		close(done)
	}(t.srv, pc, t.done)
	return nil
}

// Stop closes the listener and the client connections.
func (t *QUICTransport) Stop() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.addr == "" {
		return nil
	}
	_ = t.pc.Close()
	select {
	case <-t.done:
	case <-time.After(time.Second):
	}
	if tr, ok := t.client.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
	t.addr = ""
	t.handler = nil
	return nil
}

// Address returns the bound listen address.
func (t *QUICTransport) Address() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.addr
}

// Send posts one envelope to the peer at to.
func (t *QUICTransport) Send(to string, env Envelope) error {
	t.mutex.RLock()
	client := t.client
	node := t.nodeName
	t.mutex.RUnlock()
	if client == nil {
		return fmt.Errorf("transport not started")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "https://"+to+envelopePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(versionHeader, ProtocolVersion)
	req.Header.Set(nodeHeader, node)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %v", to, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("peer %s rejected envelope: %s: %s", to, resp.Status, msg)
	}
	return nil
}

func (t *QUICTransport) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if v := r.Header.Get(versionHeader); !compatibleVersion(v) {
		http.Error(w, fmt.Sprintf("incompatible protocol %q, need %s-compatible", v, ProtocolVersion),
			http.StatusUpgradeRequired)
		return
	}

	var env Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeBytes)).Decode(&env); err != nil {
		http.Error(w, "bad envelope: "+err.Error(), http.StatusBadRequest)
		return
	}

	t.mutex.RLock()
	handler := t.handler
	t.mutex.RUnlock()
	if handler == nil {
		http.Error(w, "transport stopped", http.StatusServiceUnavailable)
		return
	}
	if err := handler(env); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
