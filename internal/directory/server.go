// Package directory implements the control plane of the chat fabric:
// the live group registry, the UDP request loop, the group daemon
// spawner/supervisor, the operator console and the merge coordinator.
// The directory never proxies chat traffic; it drives the groups over a
// private loopback channel on the same socket it serves clients with.
package directory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/isychat/isychat/internal/audit"
	"github.com/isychat/isychat/internal/config"
	"github.com/isychat/isychat/internal/proto"
)

const readTimeout = 300 * time.Millisecond

// Server is the directory process.
type Server struct {
	cfg     config.Directory
	conn    *net.UDPConn
	reg     *Registry
	journal *audit.Journal

	// Spawn launches one group daemon. Replaceable so tests can run
	// groups in-process instead of forking the binary.
	Spawn SpawnFunc

	rateMu   sync.Mutex
	limiters map[string]*rate.Limiter

	stopOnce sync.Once
	stop     context.CancelFunc

	reapers sync.WaitGroup
}

// New binds the control socket and opens the optional audit journal.
func New(cfg config.Directory) (*Server, error) {
	ip := net.ParseIP(cfg.ServerIP)
	if ip == nil {
		ip = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: cfg.ServerPort})
	if err != nil {
		return nil, fmt.Errorf("bind control socket: %w", err)
	}
	journal, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		conn:     conn,
		reg:      NewRegistry(cfg.BasePort, cfg.MaxGroups),
		journal:  journal,
		Spawn:    execSpawner(cfg),
		limiters: make(map[string]*rate.Limiter),
	}
	return s, nil
}

// LocalPort returns the bound control port.
func (s *Server) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run serves control requests until ctx is cancelled or the operator
// types /quit. On the way out every live child is signalled and reaped.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	defer cancel()

	log.Printf("DIR: listening on %s (groups %d..%d, max %d)",
		s.conn.LocalAddr(), s.cfg.BasePort, s.cfg.BasePort+s.cfg.MaxGroups-1, s.cfg.MaxGroups)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.udpLoop(ctx) })
	if s.cfg.BannerFile != "" {
		g.Go(func() error { return s.watchBannerFile(ctx) })
	}

	err := g.Wait()

	s.shutdownChildren()
	s.conn.Close()
	s.journal.Close()
	log.Printf("DIR: stopped")
	return err
}

// Shutdown asks a running server to stop. Safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

func (s *Server) udpLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Printf("DIR: read: %v", err)
			continue
		}
		if !s.allow(src.IP.String()) {
			continue
		}
		s.handleRequest(strings.TrimRight(string(buf[:n]), "\r\n"), src)
	}
}

// allow applies the per-source-IP request budget.
func (s *Server) allow(ip string) bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		// Cap the table so a scan cannot grow it without bound.
		if len(s.limiters) > 4096 {
			s.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerIP), 2*s.cfg.RatePerIP)
		s.limiters[ip] = lim
	}
	return lim.Allow()
}

// audit writes one journal event; a failing journal is logged and never
// affects request handling.
func (s *Server) audit(kind, group, detail string) {
	if err := s.journal.Record(kind, group, detail); err != nil {
		log.Printf("DIR: audit: %v", err)
	}
}

func (s *Server) handleRequest(raw string, src *net.UDPAddr) {
	verb, rest := proto.SplitVerb(raw)
	switch verb {
	case proto.ReqList:
		s.reply(src, s.listing())
	case proto.ReqCreate:
		s.handleCreate(rest, src)
	case proto.ReqJoin:
		s.handleJoin(rest, src)
	case proto.ReqMerge:
		s.handleMerge(rest, src)
	default:
		s.reply(src, proto.ErrUnknownCmd)
	}
}

func (s *Server) listing() string {
	recs := s.reg.List()
	if len(recs) == 0 {
		return proto.EmptyListing
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s %d", r.Name, r.Port))
	}
	return strings.Join(lines, "\n")
}

// handleCreate allocates a slot, spawns the group daemon and replies
// with the endpoint (and a fresh admin token when a user is named).
// CREATE on a live name replays the original reply.
func (s *Server) handleCreate(rest string, src *net.UDPAddr) {
	fields := strings.Fields(rest)
	if len(fields) < 1 || len(fields) > 2 || !proto.ValidGroupName(fields[0]) {
		s.reply(src, proto.ErrBadArgs)
		return
	}
	name := fields[0]
	withAdmin := len(fields) == 2
	if withAdmin && !proto.ValidUserName(fields[1]) {
		s.reply(src, proto.ErrBadArgs)
		return
	}

	token := ""
	if withAdmin {
		token = newToken()
	}

	slot, rec, exists, err := s.reg.Allocate(name, token)
	if err != nil {
		s.reply(src, proto.ErrNoSlot)
		return
	}
	if exists {
		s.reply(src, createReply(rec, withAdmin))
		return
	}

	child, err := s.Spawn(name, rec.Port, s.cfg.IdleTimeoutSec)
	if err != nil {
		s.reg.Free(slot)
		log.Printf("DIR: spawn group '%s': %v", name, err)
		s.audit(audit.KindSpawnFail, name, err.Error())
		s.reply(src, proto.ErrSpawn)
		return
	}
	s.reg.Bind(slot, child)
	s.reap(slot, name, child)

	log.Printf("DIR: created group '%s' on port %d (admin=%v)", name, rec.Port, withAdmin)
	s.audit(audit.KindCreate, name, fmt.Sprintf("port=%d admin=%v", rec.Port, withAdmin))

	if token != "" {
		// Best effort; the group also binds trust-on-first-use.
		s.sendTo(rec.Admin, proto.KindCtrl+" "+proto.CtrlSetToken+" "+token)
	}
	s.reply(src, createReply(rec, withAdmin))
}

// createReply renders the CREATE reply. The token travels only on the
// admin form of the request; the legacy form never exposes it.
func createReply(rec Record, withAdmin bool) string {
	if withAdmin && rec.Token != "" {
		return fmt.Sprintf("%s %s %d %s", proto.ReplyOK, rec.Name, rec.Port, rec.Token)
	}
	return fmt.Sprintf("%s %s %d", proto.ReplyOK, rec.Name, rec.Port)
}

// reap waits for a child to exit and frees its slot.
func (s *Server) reap(slot int, name string, child Child) {
	s.reapers.Add(1)
	go func() {
		defer s.reapers.Done()
		err := child.Wait()
		s.reg.Free(slot)
		if err != nil {
			log.Printf("DIR: group '%s' exited: %v", name, err)
		} else {
			log.Printf("DIR: group '%s' exited", name)
		}
		s.audit(audit.KindExit, name, "")
	}()
}

func (s *Server) handleJoin(rest string, src *net.UDPAddr) {
	fields := strings.Fields(rest)
	if len(fields) != 4 || !proto.ValidGroupName(fields[0]) || !proto.ValidUserName(fields[1]) {
		s.reply(src, proto.ErrBadArgs)
		return
	}
	rec, ok := s.reg.Lookup(fields[0])
	if !ok {
		s.reply(src, proto.ErrNotFound)
		return
	}
	s.reply(src, fmt.Sprintf("%s %s %d", proto.ReplyOK, rec.Name, rec.Port))
}

// handleMerge fuses group B into group A: both admin tokens must match,
// B's members are redirected to A, and every group hears about it.
func (s *Server) handleMerge(rest string, src *net.UDPAddr) {
	fields := strings.Fields(rest)
	if len(fields) != 5 {
		s.reply(src, proto.ErrMergeSyntax)
		return
	}
	user, tokenA, nameA, tokenB, nameB := fields[0], fields[1], fields[2], fields[3], fields[4]

	recA, okA := s.reg.Lookup(nameA)
	recB, okB := s.reg.Lookup(nameB)
	if !okA || !okB {
		s.reply(src, proto.ErrNotFound)
		return
	}
	if recA.Token == "" || recB.Token == "" {
		s.reply(src, proto.ErrNoToken)
		return
	}
	if tokenA != recA.Token || tokenB != recB.Token {
		s.reply(src, proto.ErrBadToken)
		return
	}

	// Order B to migrate; B announces to its members and terminates on
	// its own timeline. The directory does not wait for the migration.
	s.sendTo(recB.Admin, proto.FormatRedirect(recA.Name, recA.Port, "merge"))
	s.broadcastSys(proto.FormatMergeNotice(user, nameB, nameA))

	log.Printf("DIR: merge '%s' -> '%s' by %s", nameB, nameA, user)
	s.audit(audit.KindMerge, nameA, fmt.Sprintf("from=%s by=%s", nameB, user))

	s.reply(src, fmt.Sprintf("%s %s %s %s", proto.ReplyOK, proto.ReqMerge, nameA, nameB))
}

// broadcastSys sends a non-sticky announcement to every live group.
func (s *Server) broadcastSys(text string) {
	for _, rec := range s.reg.List() {
		s.sendTo(rec.Admin, proto.KindSys+" "+text)
	}
}

// broadcastCtrl sends a control line to every live group.
func (s *Server) broadcastCtrl(line string) {
	for _, rec := range s.reg.List() {
		s.sendTo(rec.Admin, line)
	}
}

func (s *Server) reply(to *net.UDPAddr, msg string) {
	s.sendTo(to, msg)
}

func (s *Server) sendTo(to *net.UDPAddr, msg string) {
	if _, err := s.conn.WriteToUDP([]byte(msg), to); err != nil {
		log.Printf("DIR: send to %s: %v", to, err)
	}
}

// shutdownChildren signals every live child and waits for the reapers.
func (s *Server) shutdownChildren() {
	for _, rec := range s.reg.List() {
		if rec.Child == nil {
			continue
		}
		if err := rec.Child.Signal(syscall.SIGTERM); err != nil {
			log.Printf("DIR: signal group '%s': %v", rec.Name, err)
		}
	}
	done := make(chan struct{})
	go func() {
		s.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("DIR: timed out waiting for group daemons")
	}
}

// newToken issues a 128-bit admin token as 32 lowercase hex characters.
// OS randomness is the normal source; the time+pid fallback only exists
// so token issuance cannot fail outright.
func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		h := fnv.New128a()
		fmt.Fprintf(h, "%d|%d", time.Now().UnixNano(), os.Getpid())
		return hex.EncodeToString(h.Sum(nil))[:proto.TokenLen]
	}
	return hex.EncodeToString(b[:])
}
