// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
	"github.com/ejbd-project/ejbd/lib/netutil"
)

const (
	// DefaultMultipointAddress is where a multipoint node listens when
	// no address is configured.
	DefaultMultipointAddress = "0.0.0.0:4212"

	// DefaultReconnectDelay is the minimum time between attempts to
	// reach the roots again.
	DefaultReconnectDelay = 30 * time.Second

	// PeerScheme prefixes the URIs nodes identify themselves with.
	PeerScheme = "conn"

	endList          = "end:list"
	messageEnd       = byte(3)
	maxMessageSize   = 4096
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 5 * time.Second
)

// ErrNotRunning is returned by Connect before Start or after Stop.
var ErrNotRunning = errors.New("discovery: multipoint node is not running")

// MultipointConfig configures a Multipoint node.
type MultipointConfig struct {
	// Address is the host:port to listen on. Port 0 picks a free port.
	Address string

	// AdvertiseHost is the host peers dial to reach this node. The
	// listen host when empty, or the host name when that is a wildcard.
	AdvertiseHost string

	// Roots are peers, as host:port or conn://host:port, dialed at
	// start and again whenever they are not connected and
	// ReconnectDelay has passed since the last attempt.
	Roots []string

	ReconnectDelay time.Duration

	// Tracker supplies the services to announce and records those
	// heard from peers. Required.
	Tracker *Tracker

	Clock  clock.Clock
	Logger *slog.Logger
}

// Multipoint is a node of a TCP discovery mesh. Nodes that connect
// exchange the peers they know, so every node ends up connected to
// every other, and then send each other heartbeats naming the services
// they announce.
//
// A connection starts with the dialing side sending its own URI. The
// accepting side answers with the URIs of its peers followed by
// "end:list", and the dialing side answers with the peers the other
// did not list. Each side dials the peers it learns about. Messages are
// UTF-8 strings ended by the byte 0x03.
type Multipoint struct {
	address        string
	advertiseHost  string
	roots          []string
	reconnectDelay time.Duration
	tracker        *Tracker
	clock          clock.Clock
	logger         *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	me       string
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*session
	dialing  map[string]bool
	open     map[*session]struct{}
	joined   time.Time
	started  bool
	stopped  bool

	workers sync.WaitGroup
}

// NewMultipoint returns a node that is not yet listening.
func NewMultipoint(cfg MultipointConfig) (*Multipoint, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("discovery: multipoint Tracker is required")
	}
	m := &Multipoint{
		address:        cfg.Address,
		advertiseHost:  cfg.AdvertiseHost,
		reconnectDelay: cfg.ReconnectDelay,
		tracker:        cfg.Tracker,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		sessions:       make(map[string]*session),
		dialing:        make(map[string]bool),
		open:           make(map[*session]struct{}),
	}
	if m.address == "" {
		m.address = DefaultMultipointAddress
	}
	if m.reconnectDelay <= 0 {
		m.reconnectDelay = DefaultReconnectDelay
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	for _, root := range cfg.Roots {
		uri, err := PeerURI(root)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(m.roots, uri) {
			m.roots = append(m.roots, uri)
		}
	}
	return m, nil
}

// PeerURI normalizes a peer address, host:port or conn://host:port, to
// the conn://host:port form nodes identify themselves with.
func PeerURI(address string) (string, error) {
	hostPort := address
	if strings.Contains(address, "://") {
		parsed, err := url.Parse(address)
		if err != nil {
			return "", fmt.Errorf("discovery: peer %q: %w", address, err)
		}
		hostPort = parsed.Host
	}
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", fmt.Errorf("discovery: peer %q: %w", address, err)
	}
	if host == "" {
		return "", fmt.Errorf("discovery: peer %q has no host", address)
	}
	if number, err := strconv.Atoi(port); err != nil || number <= 0 || number > 65535 {
		return "", fmt.Errorf("discovery: peer %q has an invalid port", address)
	}
	return PeerScheme + "://" + net.JoinHostPort(strings.ToLower(host), port), nil
}

// Start listens and begins dialing the roots.
func (m *Multipoint) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return errors.New("discovery: multipoint node already started")
	}
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", m.address)
	if err != nil {
		return fmt.Errorf("discovery: multipoint listen on %s: %w", m.address, err)
	}
	me, err := m.identity(listener.Addr())
	if err != nil {
		listener.Close()
		return err
	}
	m.listener = listener
	m.me = me
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.started = true

	runCtx := m.ctx
	m.workers.Go(func() { m.accept(runCtx, listener) })
	m.workers.Go(func() { m.tick(runCtx) })
	m.logger.Info("multipoint discovery listening",
		"address", listener.Addr().String(),
		"uri", me,
		"roots", len(m.roots),
	)
	return nil
}

func (m *Multipoint) identity(addr net.Addr) (string, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	if m.advertiseHost != "" {
		host = m.advertiseHost
	} else if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		if host, err = os.Hostname(); err != nil {
			return "", fmt.Errorf("discovery: naming this node: %w", err)
		}
	}
	return PeerURI(net.JoinHostPort(host, port))
}

// Me returns the URI peers know this node by, or "" before Start.
func (m *Multipoint) Me() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.me
}

// Addr returns the listening address, or nil before Start.
func (m *Multipoint) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Peers returns the URIs of the connected peers, sorted.
func (m *Multipoint) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.sessions))
	for uri := range m.sessions {
		peers = append(peers, uri)
	}
	slices.Sort(peers)
	return peers
}

// Tracker returns the node's service tracker.
func (m *Multipoint) Tracker() *Tracker { return m.tracker }

// Connect dials address unless it is this node or already connected.
func (m *Multipoint) Connect(address string) error {
	uri, err := PeerURI(address)
	if err != nil {
		return err
	}
	m.mu.Lock()
	running := m.started && !m.stopped
	m.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	m.connect(uri)
	return nil
}

// Stop closes the listener and every connection and waits for the
// node's goroutines.
func (m *Multipoint) Stop() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.cancel()
	err := m.listener.Close()
	for s := range m.open {
		s.conn.Close()
	}
	m.mu.Unlock()

	m.workers.Wait()
	m.logger.Info("multipoint discovery stopped")
	if netutil.IsExpectedCloseError(err) {
		return nil
	}
	return err
}

func (m *Multipoint) accept(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				m.logger.Error("multipoint accept failed", "error", err)
			}
			return
		}
		s := newSession(conn, "", false, m.clock.Now())
		if !m.track(s) {
			conn.Close()
			continue
		}
		m.workers.Go(func() {
			defer m.untrack(s)
			m.finish(s, m.runServer(ctx, s))
		})
	}
}

// tick expires silent services and dials roots that are not
// connected.
func (m *Multipoint) tick(ctx context.Context) {
	for {
		m.tracker.expire()
		m.rejoin()
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.tracker.HeartRate()):
		}
	}
}

func (m *Multipoint) rejoin() {
	if len(m.roots) == 0 {
		return
	}
	m.mu.Lock()
	now := m.clock.Now()
	if !m.joined.IsZero() && now.Sub(m.joined) <= m.reconnectDelay {
		m.mu.Unlock()
		return
	}
	var missing []string
	for _, root := range m.roots {
		if m.sessions[root] == nil && !m.dialing[root] && root != m.me {
			missing = append(missing, root)
		}
	}
	if len(missing) > 0 {
		m.joined = now
	}
	m.mu.Unlock()

	for _, root := range missing {
		m.logger.Debug("reconnecting to root", "uri", root)
		m.connect(root)
	}
}

// connect dials uri in the background unless it is known already.
func (m *Multipoint) connect(uri string) {
	m.mu.Lock()
	if !m.started || m.stopped || uri == m.me || m.sessions[uri] != nil || m.dialing[uri] {
		m.mu.Unlock()
		return
	}
	m.dialing[uri] = true
	ctx := m.ctx
	m.mu.Unlock()

	m.workers.Go(func() { m.dial(ctx, uri) })
}

func (m *Multipoint) dial(ctx context.Context, uri string) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", strings.TrimPrefix(uri, PeerScheme+"://"))
	if err != nil {
		m.mu.Lock()
		delete(m.dialing, uri)
		m.mu.Unlock()
		if ctx.Err() == nil {
			m.logger.Warn("multipoint connect failed", "uri", uri, "error", err)
		}
		return
	}
	s := newSession(conn, uri, true, m.clock.Now())
	if !m.track(s) {
		conn.Close()
		return
	}
	defer m.untrack(s)
	m.connected(s)
	m.finish(s, m.runClient(ctx, s))
}

func (m *Multipoint) finish(s *session, err error) {
	m.mu.Lock()
	stopping := m.stopped
	m.mu.Unlock()
	switch {
	case stopping || err == nil || netutil.IsExpectedCloseError(err):
		m.logger.Debug("multipoint session closed", "peer", s.peer, "client", s.client)
	default:
		m.logger.Warn("multipoint session failed", "peer", s.peer, "client", s.client, "error", err)
	}
}

func (m *Multipoint) runClient(ctx context.Context, s *session) error {
	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := s.write(m.Me()); err != nil {
		return err
	}
	if err := m.readList(s); err != nil {
		return err
	}
	list := slices.DeleteFunc(m.connections(), func(uri string) bool {
		return uri == s.peer || slices.Contains(s.listed, uri)
	})
	if err := s.write(append(list, endList)...); err != nil {
		return err
	}
	s.conn.SetDeadline(time.Time{})
	return m.heartbeat(ctx, s)
}

func (m *Multipoint) runServer(ctx context.Context, s *session) error {
	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	greeting, err := s.read()
	if err != nil {
		return err
	}
	peer, err := PeerURI(greeting)
	if err != nil {
		return err
	}
	if peer == m.Me() {
		return fmt.Errorf("discovery: %s connected to itself", peer)
	}
	s.peer = peer
	m.connected(s)

	list := slices.DeleteFunc(m.connections(), func(uri string) bool { return uri == peer })
	if err := s.write(append(list, endList)...); err != nil {
		return err
	}
	if err := m.readList(s); err != nil {
		return err
	}
	s.conn.SetDeadline(time.Time{})
	return m.heartbeat(ctx, s)
}

// readList reads peer URIs up to "end:list" and dials each.
func (m *Multipoint) readList(s *session) error {
	for {
		message, err := s.read()
		if err != nil {
			return err
		}
		if message == endList {
			return nil
		}
		uri, err := PeerURI(message)
		if err != nil {
			m.logger.Debug("ignoring listed peer", "peer", s.peer, "entry", message, "error", err)
			continue
		}
		s.listed = append(s.listed, uri)
		m.connect(uri)
	}
}

// heartbeat announces the tracker's services every heart rate and
// records what the peer announces until the connection ends.
func (m *Multipoint) heartbeat(ctx context.Context, s *session) error {
	done := make(chan struct{})
	defer close(done)
	m.workers.Go(func() {
		for {
			if err := s.write(m.tracker.heartbeat()...); err != nil {
				s.conn.Close()
				return
			}
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-m.clock.After(m.tracker.HeartRate()):
			}
		}
	})
	for {
		message, err := s.read()
		if err != nil {
			return err
		}
		m.tracker.process(message)
	}
}

// connections lists the peers that are connected or being dialed.
func (m *Multipoint) connections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	uris := make([]string, 0, len(m.sessions)+len(m.dialing))
	for uri := range m.sessions {
		uris = append(uris, uri)
	}
	for uri := range m.dialing {
		if m.sessions[uri] == nil {
			uris = append(uris, uri)
		}
	}
	slices.Sort(uris)
	return uris
}

// connected records s as the session for its peer. When two
// connections join the same pair of nodes both ends keep the same one
// and close the other.
func (m *Multipoint) connected(s *session) {
	m.mu.Lock()
	delete(m.dialing, s.peer)
	keep, drop := s, m.sessions[s.peer]
	if drop != nil && prefer(drop, s) {
		keep, drop = drop, s
	}
	m.sessions[s.peer] = keep
	m.mu.Unlock()

	if drop == nil {
		m.logger.Info("multipoint peer connected", "peer", s.peer, "client", s.client)
		return
	}
	m.logger.Debug("closing duplicate multipoint connection", "peer", s.peer, "client", drop.client)
	drop.conn.Close()
}

// prefer reports whether a is kept over b. A peer that called twice
// keeps its newest call. Two nodes that called each other keep the
// connection with the lowest server port, then the lowest client port,
// which both ends see alike.
func prefer(a, b *session) bool {
	if !a.client && !b.client {
		return a.created.After(b.created)
	}
	if order := cmp.Compare(a.serverPort(), b.serverPort()); order != 0 {
		return order < 0
	}
	return a.clientPort() < b.clientPort()
}

func (m *Multipoint) track(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.open[s] = struct{}{}
	return true
}

func (m *Multipoint) untrack(s *session) {
	s.conn.Close()
	m.mu.Lock()
	delete(m.open, s)
	registered := s.peer != "" && m.sessions[s.peer] == s
	if registered {
		delete(m.sessions, s.peer)
	}
	m.mu.Unlock()
	if registered {
		m.logger.Info("multipoint peer disconnected", "peer", s.peer)
	}
}

// openSessions counts connections, including unregistered ones.
func (m *Multipoint) openSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// session is one connection to a peer.
type session struct {
	conn    net.Conn
	reader  *bufio.Reader
	peer    string
	client  bool
	created time.Time
	listed  []string
}

func newSession(conn net.Conn, peer string, client bool, created time.Time) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, maxMessageSize),
		peer:    peer,
		client:  client,
		created: created,
	}
}

func (s *session) read() (string, error) {
	message, err := s.reader.ReadSlice(messageEnd)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", fmt.Errorf("discovery: message from %s exceeds %d bytes", s.conn.RemoteAddr(), maxMessageSize)
		}
		return "", err
	}
	return string(message[:len(message)-1]), nil
}

func (s *session) write(messages ...string) error {
	if len(messages) == 0 {
		return nil
	}
	var buffer bytes.Buffer
	for _, message := range messages {
		buffer.WriteString(message)
		buffer.WriteByte(messageEnd)
	}
	_, err := s.conn.Write(buffer.Bytes())
	return err
}

func (s *session) serverPort() int {
	if s.client {
		return tcpPort(s.conn.RemoteAddr())
	}
	return tcpPort(s.conn.LocalAddr())
}

func (s *session) clientPort() int {
	if s.client {
		return tcpPort(s.conn.LocalAddr())
	}
	return tcpPort(s.conn.RemoteAddr())
}

func tcpPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
