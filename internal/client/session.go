// Package client implements the protocol-facing core of a chat client:
// the control-plane conversation with the directory, the data-plane
// exchange with the currently attached group, and the local bookkeeping
// of admin tokens. Rendering is delegated to a Handler so the terminal
// UI stays outside this package.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/isychat/isychat/internal/config"
	"github.com/isychat/isychat/internal/proto"
)

const (
	listAttempts = 3
	replyTimeout = time.Second
	recvTimeout  = 300 * time.Millisecond
)

// GroupInfo is one row of a directory listing.
type GroupInfo struct {
	Name string
	Port int
}

// Handler receives everything the session cannot decide on its own:
// chat lines, banner updates, redirect orders and the deletion notice.
// Implementations must not block.
type Handler interface {
	OnChat(line string)
	OnAdminBanner(active bool, text string)
	OnIdleBanner(active bool, text string)
	OnRedirect(group string, port int, reason string)
	OnGroupDeleted()
}

// Session is one client's protocol state.
type Session struct {
	cfg     config.Client
	handler Handler
	Tokens  *TokenStore

	ctrlMu sync.Mutex // serializes request/reply on the control socket
	ctrl   *net.UDPConn
	data   *net.UDPConn
	srvIP  net.IP

	mu         sync.Mutex
	attached   bool
	group      string
	peer       *net.UDPAddr
	inDialogue bool
	deleted    bool
	redirect   *redirectOrder

	cancel context.CancelFunc
	done   chan struct{}
}

type redirectOrder struct {
	group  string
	port   int
	reason string
}

// New binds the client's two UDP endpoints.
func New(cfg config.Client, handler Handler) (*Session, error) {
	srvIP := net.ParseIP(cfg.ServerIP)
	if srvIP == nil {
		return nil, fmt.Errorf("invalid server IP %q", cfg.ServerIP)
	}
	ctrl, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: srvIP, Port: cfg.ServerPort})
	if err != nil {
		return nil, fmt.Errorf("dial directory: %w", err)
	}
	data, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.LocalRecvPort})
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("bind receive socket: %w", err)
	}
	return &Session{
		cfg:     cfg,
		handler: handler,
		Tokens:  NewTokenStore(),
		ctrl:    ctrl,
		data:    data,
		srvIP:   srvIP,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the receive goroutine.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.recvLoop(ctx)
}

// Close flushes a final (left) when attached and tears the session down.
func (s *Session) Close() {
	s.Leave()
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.ctrl.Close()
	s.data.Close()
}

// ─── Control plane ───────────────────────────────────────────────────

// List queries the directory for the active groups. UDP may drop either
// leg, so it retries a bounded number of times; an inconclusive result
// is an error and the caller keeps its session state.
func (s *Session) List() ([]GroupInfo, error) {
	reply, err := s.request(proto.ReqList, listAttempts)
	if err != nil {
		return nil, err
	}
	if reply == proto.EmptyListing {
		return nil, nil
	}
	var out []GroupInfo
	for _, line := range strings.Split(reply, "\n") {
		name, portStr := proto.SplitVerb(line)
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil {
			continue
		}
		out = append(out, GroupInfo{Name: name, Port: port})
	}
	return out, nil
}

// Create asks the directory for a new group, claiming admin rights for
// the configured user. The returned token (if any) is stored.
func (s *Session) Create(name string) (GroupInfo, string, error) {
	reply, err := s.request(fmt.Sprintf("%s %s %s", proto.ReqCreate, name, s.cfg.User), 1)
	if err != nil {
		return GroupInfo{}, "", err
	}
	fields := strings.Fields(reply)
	if len(fields) < 3 || fields[0] != proto.ReplyOK {
		return GroupInfo{}, "", fmt.Errorf("create rejected: %s", reply)
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return GroupInfo{}, "", fmt.Errorf("bad create reply: %s", reply)
	}
	info := GroupInfo{Name: fields[1], Port: port}
	token := ""
	if len(fields) >= 4 && proto.ValidToken(fields[3]) {
		token = fields[3]
		s.Tokens.Set(info.Name, token)
	}
	return info, token, nil
}

// Join resolves the group endpoint and performs the attach handshake.
func (s *Session) Join(name string) (GroupInfo, error) {
	reply, err := s.request(fmt.Sprintf("%s %s %s 0.0.0.0 0", proto.ReqJoin, name, s.cfg.User), 1)
	if err != nil {
		return GroupInfo{}, err
	}
	fields := strings.Fields(reply)
	if len(fields) != 3 || fields[0] != proto.ReplyOK {
		return GroupInfo{}, fmt.Errorf("join rejected: %s", reply)
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return GroupInfo{}, fmt.Errorf("bad join reply: %s", reply)
	}
	info := GroupInfo{Name: fields[1], Port: port}
	s.attach(info)
	return info, nil
}

// Merge asks the directory to fuse group b into group a. Both admin
// tokens must already be in the local store.
func (s *Session) Merge(a, b string) (string, error) {
	tokenA, okA := s.Tokens.Get(a)
	tokenB, okB := s.Tokens.Get(b)
	if !okA || !okB {
		return "", errors.New("missing admin tokens: need admin on both groups")
	}
	return s.request(fmt.Sprintf("%s %s %s %s %s %s",
		proto.ReqMerge, s.cfg.User, tokenA, a, tokenB, b), 1)
}

// request performs one control-plane round trip with bounded retries.
func (s *Session) request(req string, attempts int) (string, error) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	buf := make([]byte, 4096)
	for i := 0; i < attempts; i++ {
		if _, err := s.ctrl.Write([]byte(req)); err != nil {
			return "", fmt.Errorf("send to directory: %w", err)
		}
		s.ctrl.SetReadDeadline(time.Now().Add(replyTimeout))
		n, err := s.ctrl.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return "", fmt.Errorf("read directory reply: %w", err)
		}
		return strings.TrimRight(string(buf[:n]), "\r\n"), nil
	}
	return "", errors.New("directory did not answer")
}

// ─── Data plane ──────────────────────────────────────────────────────

func (s *Session) attach(info GroupInfo) {
	s.mu.Lock()
	s.attached = true
	s.group = info.Name
	s.peer = &net.UDPAddr{IP: s.srvIP, Port: info.Port}
	s.deleted = false
	s.redirect = nil
	s.mu.Unlock()

	s.sendGroup(fmt.Sprintf("%s %s %s", proto.KindMsg, s.cfg.User, proto.SentinelJoined))
}

// Leave detaches from the current group, if any.
func (s *Session) Leave() {
	s.mu.Lock()
	attached := s.attached
	s.mu.Unlock()
	if !attached {
		return
	}
	s.sendGroup(fmt.Sprintf("%s %s %s", proto.KindMsg, s.cfg.User, proto.SentinelLeft))

	s.mu.Lock()
	s.attached = false
	s.group = ""
	s.peer = nil
	s.deleted = false
	s.redirect = nil
	s.mu.Unlock()
}

// Send posts a chat line to the attached group.
func (s *Session) Send(text string) error {
	if text == "" || len(text) > proto.MaxText {
		return errors.New("message empty or too long")
	}
	s.mu.Lock()
	attached := s.attached
	s.mu.Unlock()
	if !attached {
		return errors.New("not attached to a group")
	}
	s.sendGroup(fmt.Sprintf("%s %s %s", proto.KindMsg, s.cfg.User, text))
	return nil
}

// Ban issues CMD BAN2 with the stored token for the attached group.
func (s *Session) Ban(victim string) error {
	return s.moderate(proto.CmdBan2, victim)
}

// Unban issues CMD UNBAN2 with the stored token.
func (s *Session) Unban(victim string) error {
	return s.moderate(proto.CmdUnban2, victim)
}

func (s *Session) moderate(verb, victim string) error {
	s.mu.Lock()
	group := s.group
	attached := s.attached
	s.mu.Unlock()
	if !attached {
		return errors.New("not attached to a group")
	}
	token, ok := s.Tokens.Get(group)
	if !ok {
		return fmt.Errorf("no admin token for %s", group)
	}
	s.sendGroup(fmt.Sprintf("%s %s %s %s %s", proto.KindCmd, verb, token, s.cfg.User, victim))
	return nil
}

func (s *Session) sendGroup(msg string) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return
	}
	if _, err := s.data.WriteToUDP([]byte(msg), peer); err != nil {
		log.Printf("CLIENT: send to group: %v", err)
	}
}

// ─── Session state ───────────────────────────────────────────────────

// SetDialogue toggles delivery of ordinary chat lines to the handler.
// Outside dialogue mode chat is suppressed so it cannot interleave with
// menu prompts; control traffic is always processed.
func (s *Session) SetDialogue(on bool) {
	s.mu.Lock()
	s.inDialogue = on
	s.mu.Unlock()
}

// Attached reports the current group, if any.
func (s *Session) Attached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group, s.attached
}

// Deleted reports whether the attached group announced its deletion.
func (s *Session) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// CheckRedirect applies a pending redirect order: (left) to the old
// group, rebind to the new endpoint, (joined) to the new group. It
// reports the new group name when a move happened.
func (s *Session) CheckRedirect() (string, bool) {
	s.mu.Lock()
	order := s.redirect
	s.redirect = nil
	user := s.cfg.User
	s.mu.Unlock()
	if order == nil {
		return "", false
	}

	s.sendGroup(fmt.Sprintf("%s %s %s", proto.KindMsg, user, proto.SentinelLeft))

	s.mu.Lock()
	s.group = order.group
	s.peer = &net.UDPAddr{IP: s.srvIP, Port: order.port}
	s.attached = true
	s.deleted = false
	s.mu.Unlock()

	s.sendGroup(fmt.Sprintf("%s %s %s", proto.KindMsg, user, proto.SentinelJoined))
	return order.group, true
}

// ─── Receive loop ────────────────────────────────────────────────────

func (s *Session) recvLoop(ctx context.Context) {
	defer close(s.done)
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.data.SetReadDeadline(time.Now().Add(recvTimeout))
		n, _, err := s.data.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		s.classify(strings.TrimRight(string(buf[:n]), "\r\n"))
	}
}

// classify sorts one datagram into banner updates, redirect orders, the
// deletion notice, or plain chat.
func (s *Session) classify(line string) {
	if verb, rest := proto.SplitVerb(line); verb == proto.KindCtrl {
		ctrl, args := proto.SplitVerb(rest)
		switch ctrl {
		case proto.CtrlBannerSet:
			s.handler.OnAdminBanner(true, args)
		case proto.CtrlBannerClr:
			s.handler.OnAdminBanner(false, "")
		case proto.CtrlIBannerSet:
			s.handler.OnIdleBanner(true, args)
		case proto.CtrlIBannerClr:
			s.handler.OnIdleBanner(false, "")
		case proto.CtrlRedirect:
			s.recordRedirect(args)
		}
		return
	}

	if strings.Contains(line, proto.DeletedSubstring) {
		s.mu.Lock()
		s.deleted = true
		dialogue := s.inDialogue
		s.mu.Unlock()
		s.handler.OnGroupDeleted()
		if dialogue {
			s.handler.OnChat(line)
		}
		return
	}

	s.mu.Lock()
	dialogue := s.inDialogue
	s.mu.Unlock()
	if dialogue {
		s.handler.OnChat(line)
	}
}

func (s *Session) recordRedirect(args string) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	reason := "redirect"
	if len(fields) > 2 {
		reason = strings.Join(fields[2:], " ")
	}
	s.mu.Lock()
	s.redirect = &redirectOrder{group: fields[0], port: port, reason: reason}
	s.mu.Unlock()
	s.handler.OnRedirect(fields[0], port, reason)
}
