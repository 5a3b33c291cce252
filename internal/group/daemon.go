// Package group implements the per-group broadcast daemon: membership,
// moderation, sticky banners, the inactivity lifecycle and redirect
// orders. One daemon owns one UDP port exclusively; clients and the
// directory talk to it with plain-text datagrams.
package group

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/isychat/isychat/internal/proto"
)

const (
	// DefaultMaxMembers bounds the member table of one group.
	DefaultMaxMembers = 64

	readTimeout   = 300 * time.Millisecond
	redirectGrace = 500 * time.Millisecond
)

type banner struct {
	active bool
	text   string
}

// Daemon is one group's broadcast engine.
type Daemon struct {
	name        string
	idleTimeout time.Duration
	conn        *net.UDPConn

	mu          sync.Mutex
	roster      *roster
	token       string
	adminBanner banner
	idleBanner  banner

	lastActivity time.Time
	warned       bool

	now    func() time.Time
	cancel context.CancelFunc
}

// New binds the group's UDP socket and prepares the engine. port 0 asks
// the OS for a free port (used by tests); LocalPort reports the result.
func New(name string, port int, idleTimeout time.Duration) (*Daemon, error) {
	if !proto.ValidGroupName(name) {
		return nil, fmt.Errorf("invalid group name %q", name)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind group socket: %w", err)
	}
	d := &Daemon{
		name:        name,
		idleTimeout: idleTimeout,
		conn:        conn,
		roster:      newRoster(DefaultMaxMembers),
		now:         time.Now,
	}
	d.lastActivity = d.now()
	return d, nil
}

// LocalPort returns the bound UDP port.
func (d *Daemon) LocalPort() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run serves datagrams until ctx is cancelled, the group expires from
// inactivity, or a redirect order arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	log.Printf("GROUP: '%s' listening on %d (idle timeout %s)", d.name, d.LocalPort(), d.idleTimeout)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.readLoop(ctx) })
	if d.idleTimeout > 0 {
		g.Go(func() error { return d.idleLoop(ctx) })
	}
	err := g.Wait()
	d.conn.Close()
	log.Printf("GROUP: '%s' stopped", d.name)
	return err
}

func (d *Daemon) readLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Printf("GROUP: '%s' read: %v", d.name, err)
			continue
		}
		d.handle(string(buf[:n]), src)
	}
}

func (d *Daemon) handle(raw string, src *net.UDPAddr) {
	verb, rest := proto.SplitVerb(raw)
	switch verb {
	case proto.KindMsg:
		d.touchActivity()
		d.handleMsg(rest, src)
	case proto.KindCmd:
		d.touchActivity()
		d.handleCmd(rest, src)
	case proto.KindCtrl:
		d.handleCtrl(raw, rest)
	case proto.KindSys:
		d.handleSys(rest)
	default:
		// Not ours; drop.
	}
}

// handleMsg runs the membership algorithm: ban gate, slot allocation,
// address refresh, banner replay on (joined), fan-out, removal on (left).
func (d *Daemon) handleMsg(rest string, src *net.UDPAddr) {
	user, text := proto.SplitVerb(rest)
	if !proto.ValidUserName(user) || text == "" || len(text) > proto.MaxText {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.roster.isBanned(user) {
		d.send(src, proto.SysBanned)
		return
	}
	m, ok := d.roster.lookupOrAdd(user)
	if !ok {
		d.send(src, proto.SysGroupFull)
		return
	}
	m.Addr = src

	if text == proto.SentinelJoined {
		// The join handshake is the one moment a late member is
		// guaranteed to learn the sticky banners.
		if d.adminBanner.active {
			d.send(src, proto.KindCtrl+" "+proto.CtrlBannerSet+" "+d.adminBanner.text)
		}
		if d.idleBanner.active {
			d.send(src, proto.KindCtrl+" "+proto.CtrlIBannerSet+" "+d.idleBanner.text)
		}
	}

	d.broadcastLocked(proto.FormatChat(d.name, user, text))

	if text == proto.SentinelLeft {
		d.roster.remove(user)
	}
}

func (d *Daemon) handleCmd(rest string, src *net.UDPAddr) {
	verb, args := proto.SplitVerb(rest)
	fields := strings.Fields(args)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch verb {
	case proto.CmdList:
		names := d.roster.names()
		if len(names) == 0 {
			d.send(src, proto.EmptyListing)
			return
		}
		d.send(src, strings.Join(names, "\n"))

	case proto.CmdDelete:
		if len(fields) != 1 {
			d.send(src, proto.ErrBadArgs)
			return
		}
		if !d.roster.remove(fields[0]) {
			d.send(src, proto.ErrUnknownUser)
			return
		}
		d.send(src, proto.ReplyDeleted)

	case proto.CmdBan, proto.CmdUnban:
		if len(fields) != 2 {
			d.send(src, proto.ErrBadArgs)
			return
		}
		// Legacy form carries no actor; audit lines name "admin".
		d.moderate(src, verb == proto.CmdBan, fields[0], "admin", fields[1])

	case proto.CmdBan2, proto.CmdUnban2:
		if len(fields) != 3 {
			d.send(src, proto.ErrBadArgs)
			return
		}
		d.moderate(src, verb == proto.CmdBan2, fields[0], fields[1], fields[2])

	default:
		d.send(src, proto.ErrUnknownCmd)
	}
}

// moderate authorizes and applies a ban or unban. The stored token
// starts empty and is adopted from the first non-empty token presented
// (trust-on-first-use); CTRL SETTOKEN overwrites it at any time.
func (d *Daemon) moderate(src *net.UDPAddr, ban bool, token, actor, victim string) {
	if token == "" {
		d.send(src, proto.ErrNotAdmin)
		return
	}
	if d.token == "" {
		d.token = token
		log.Printf("GROUP: '%s' bound admin token on first use", d.name)
	}
	if token != d.token {
		d.send(src, proto.ErrNotAdmin)
		return
	}

	if ban {
		d.roster.ban(victim)
		d.send(src, proto.ReplyBanned)
		d.broadcastLocked(fmt.Sprintf("GROUPE[%s]: %s", d.name, proto.FormatBanAudit(actor, victim)))
		return
	}
	if !d.roster.unban(victim) {
		d.send(src, proto.ReplyNotBanned)
		return
	}
	d.send(src, proto.ReplyUnbanned)
	d.broadcastLocked(fmt.Sprintf("GROUPE[%s]: %s", d.name, proto.FormatUnbanAudit(actor, victim)))
}

// handleCtrl serves the directory's administrative channel. Banner
// updates are rebroadcast verbatim so attached members see them live;
// the sticky slots make them replayable for later joins.
func (d *Daemon) handleCtrl(raw, rest string) {
	verb, args := proto.SplitVerb(rest)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch verb {
	case proto.CtrlBannerSet:
		d.adminBanner = banner{active: true, text: args}
		d.broadcastLocked(raw)
	case proto.CtrlBannerClr:
		d.adminBanner = banner{}
		d.broadcastLocked(raw)
	case proto.CtrlIBannerSet:
		d.idleBanner = banner{active: true, text: args}
		d.broadcastLocked(raw)
	case proto.CtrlIBannerClr:
		d.idleBanner = banner{}
		d.broadcastLocked(raw)
	case proto.CtrlSetToken:
		tok := strings.TrimSpace(args)
		if tok != "" {
			d.token = tok
		}
	case proto.CtrlRedirect:
		log.Printf("GROUP: '%s' redirect ordered: %s", d.name, args)
		d.broadcastLocked(raw)
		// Give members a moment to observe the order before the port dies.
		go func() {
			time.Sleep(redirectGrace)
			d.cancel()
		}()
	default:
		// Unknown control; drop.
	}
}

func (d *Daemon) handleSys(text string) {
	if text == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcastLocked(proto.FormatSys(d.name, text))
}

// touchActivity resets the idle clock and, when the group had already
// been warned, retracts the idle banner.
func (d *Daemon) touchActivity() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = d.now()
	if d.warned {
		d.warned = false
		d.idleBanner = banner{}
		d.broadcastLocked(proto.KindCtrl + " " + proto.CtrlIBannerClr)
	}
}

// broadcastLocked fans a line to every member, sender included. Send
// errors are per-destination and non-fatal. Caller holds d.mu.
func (d *Daemon) broadcastLocked(line string) {
	for _, m := range d.roster.snapshot() {
		d.send(m.Addr, line)
	}
}

func (d *Daemon) send(to *net.UDPAddr, line string) {
	if to == nil {
		return
	}
	if _, err := d.conn.WriteToUDP([]byte(line), to); err != nil {
		log.Printf("GROUP: '%s' send to %s: %v", d.name, to, err)
	}
}
