package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isychat/isychat/internal/config"
)

// eventHandler funnels every Handler callback into one channel so tests
// can assert on order and content.
type eventHandler struct {
	events chan string
}

func newEventHandler() *eventHandler {
	return &eventHandler{events: make(chan string, 32)}
}

func (h *eventHandler) OnChat(line string) { h.events <- "chat " + line }
func (h *eventHandler) OnAdminBanner(active bool, text string) {
	h.events <- fmt.Sprintf("banner %v %s", active, text)
}
func (h *eventHandler) OnIdleBanner(active bool, text string) {
	h.events <- fmt.Sprintf("ibanner %v %s", active, text)
}
func (h *eventHandler) OnRedirect(group string, port int, reason string) {
	h.events <- fmt.Sprintf("redirect %s %d %s", group, port, reason)
}
func (h *eventHandler) OnGroupDeleted() { h.events <- "deleted" }

func (h *eventHandler) next(t *testing.T) string {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no handler event")
		return ""
	}
}

func (h *eventHandler) expectNone(t *testing.T) {
	t.Helper()
	select {
	case e := <-h.events:
		t.Fatalf("unexpected handler event %q", e)
	case <-time.After(300 * time.Millisecond):
	}
}

// fakePeer is a scripted UDP endpoint standing in for the directory or
// a group daemon.
type fakePeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakePeer{t: t, conn: conn}
}

func (p *fakePeer) port() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

func (p *fakePeer) recvFrom() (string, *net.UDPAddr) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2048)
	n, src, err := p.conn.ReadFromUDP(buf)
	require.NoError(p.t, err)
	return string(buf[:n]), src
}

func (p *fakePeer) sendTo(addr *net.UDPAddr, line string) {
	p.t.Helper()
	_, err := p.conn.WriteToUDP([]byte(line), addr)
	require.NoError(p.t, err)
}

// serve answers each expected request with the paired reply.
func (p *fakePeer) serve(script map[string]string) {
	go func() {
		buf := make([]byte, 2048)
		for {
			p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			n, src, err := p.conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if reply, ok := script[string(buf[:n])]; ok {
				p.conn.WriteToUDP([]byte(reply), src)
			}
		}
	}()
}

func newSession(t *testing.T, dirPort int, user string) (*Session, *eventHandler) {
	t.Helper()
	cfg := config.Client{
		User:          user,
		ServerIP:      "127.0.0.1",
		ServerPort:    dirPort,
		LocalRecvPort: 0,
	}
	h := newEventHandler()
	sess, err := New(cfg, h)
	require.NoError(t, err)
	sess.Start(context.Background())
	t.Cleanup(sess.Close)
	return sess, h
}

func TestListRetriesLostDatagrams(t *testing.T) {
	dir := newFakePeer(t)
	sess, _ := newSession(t, dir.port(), "alice")

	go func() {
		// Swallow the first attempt; answer the retry.
		dir.recvFrom()
		_, src := dir.recvFrom()
		dir.sendTo(src, "alpha 7001\nbeta 7002")
	}()

	groups, err := sess.List()
	require.NoError(t, err)
	assert.Equal(t, []GroupInfo{{Name: "alpha", Port: 7001}, {Name: "beta", Port: 7002}}, groups)
}

func TestListEmpty(t *testing.T) {
	dir := newFakePeer(t)
	dir.serve(map[string]string{"LIST": "(aucun)"})
	sess, _ := newSession(t, dir.port(), "alice")

	groups, err := sess.List()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestListUnreachableDirectory(t *testing.T) {
	dir := newFakePeer(t)
	sess, _ := newSession(t, dir.port(), "alice")

	_, err := sess.List()
	assert.Error(t, err, "no reply after all attempts")
}

func TestCreateStoresToken(t *testing.T) {
	token := strings.Repeat("ef", 16)
	dir := newFakePeer(t)
	dir.serve(map[string]string{
		"CREATE chat alice": "OK chat 7005 " + token,
		"CREATE full alice": "ERR no_slot",
	})
	sess, _ := newSession(t, dir.port(), "alice")

	info, got, err := sess.Create("chat")
	require.NoError(t, err)
	assert.Equal(t, GroupInfo{Name: "chat", Port: 7005}, info)
	assert.Equal(t, token, got)
	stored, ok := sess.Tokens.Get("chat")
	require.True(t, ok)
	assert.Equal(t, token, stored)

	_, _, err = sess.Create("full")
	assert.ErrorContains(t, err, "no_slot")
}

func TestJoinSendLeave(t *testing.T) {
	grp := newFakePeer(t)
	dir := newFakePeer(t)
	dir.serve(map[string]string{
		"JOIN chat alice 0.0.0.0 0": fmt.Sprintf("OK chat %d", grp.port()),
	})
	sess, h := newSession(t, dir.port(), "alice")
	sess.SetDialogue(true)

	info, err := sess.Join("chat")
	require.NoError(t, err)
	assert.Equal(t, "chat", info.Name)

	msg, src := grp.recvFrom()
	assert.Equal(t, "MSG alice (joined)", msg)

	name, attached := sess.Attached()
	assert.True(t, attached)
	assert.Equal(t, "chat", name)

	require.NoError(t, sess.Send("bonjour tout le monde"))
	msg, _ = grp.recvFrom()
	assert.Equal(t, "MSG alice bonjour tout le monde", msg)

	// Group traffic flows back through the handler in dialogue mode.
	grp.sendTo(src, "GROUPE[chat]: Message de bob : salut")
	assert.Equal(t, "chat GROUPE[chat]: Message de bob : salut", h.next(t))

	sess.Leave()
	msg, _ = grp.recvFrom()
	assert.Equal(t, "MSG alice (left)", msg)
	_, attached = sess.Attached()
	assert.False(t, attached)

	assert.Error(t, sess.Send("personne n'ecoute"), "send requires attachment")
}

func TestModerationRequiresToken(t *testing.T) {
	grp := newFakePeer(t)
	dir := newFakePeer(t)
	dir.serve(map[string]string{
		"JOIN chat alice 0.0.0.0 0": fmt.Sprintf("OK chat %d", grp.port()),
	})
	sess, _ := newSession(t, dir.port(), "alice")

	_, err := sess.Join("chat")
	require.NoError(t, err)
	grp.recvFrom() // (joined)

	assert.ErrorContains(t, sess.Ban("bob"), "no admin token")

	token := strings.Repeat("12", 16)
	sess.Tokens.Set("chat", token)
	require.NoError(t, sess.Ban("bob"))
	msg, _ := grp.recvFrom()
	assert.Equal(t, fmt.Sprintf("CMD BAN2 %s alice bob", token), msg)

	require.NoError(t, sess.Unban("bob"))
	msg, _ = grp.recvFrom()
	assert.Equal(t, fmt.Sprintf("CMD UNBAN2 %s alice bob", token), msg)
}

func TestMergeNeedsBothTokens(t *testing.T) {
	dir := newFakePeer(t)
	tokA, tokB := strings.Repeat("aa", 16), strings.Repeat("bb", 16)
	dir.serve(map[string]string{
		fmt.Sprintf("MERGE alice %s grand %s petit", tokA, tokB): "OK MERGE grand petit",
	})
	sess, _ := newSession(t, dir.port(), "alice")

	_, err := sess.Merge("grand", "petit")
	assert.ErrorContains(t, err, "missing admin tokens")

	sess.Tokens.Set("grand", tokA)
	sess.Tokens.Set("petit", tokB)
	reply, err := sess.Merge("grand", "petit")
	require.NoError(t, err)
	assert.Equal(t, "OK MERGE grand petit", reply)
}

func TestRedirectMovesTheSession(t *testing.T) {
	grpA := newFakePeer(t)
	grpB := newFakePeer(t)
	dir := newFakePeer(t)
	dir.serve(map[string]string{
		"JOIN petit alice 0.0.0.0 0": fmt.Sprintf("OK petit %d", grpB.port()),
	})
	sess, h := newSession(t, dir.port(), "alice")

	_, err := sess.Join("petit")
	require.NoError(t, err)
	_, src := grpB.recvFrom() // (joined)

	grpB.sendTo(src, fmt.Sprintf("CTRL REDIRECT grand %d merge", grpA.port()))
	assert.Equal(t, fmt.Sprintf("redirect grand %d merge", grpA.port()), h.next(t))

	group, moved := sess.CheckRedirect()
	require.True(t, moved)
	assert.Equal(t, "grand", group)

	msg, _ := grpB.recvFrom()
	assert.Equal(t, "MSG alice (left)", msg)
	msg, _ = grpA.recvFrom()
	assert.Equal(t, "MSG alice (joined)", msg)

	name, attached := sess.Attached()
	assert.True(t, attached)
	assert.Equal(t, "grand", name)

	_, moved = sess.CheckRedirect()
	assert.False(t, moved, "an order is applied once")
}

func TestDeletionNotice(t *testing.T) {
	grp := newFakePeer(t)
	dir := newFakePeer(t)
	dir.serve(map[string]string{
		"JOIN calme alice 0.0.0.0 0": fmt.Sprintf("OK calme %d", grp.port()),
	})
	sess, h := newSession(t, dir.port(), "alice")
	sess.SetDialogue(true)

	_, err := sess.Join("calme")
	require.NoError(t, err)
	_, src := grp.recvFrom()

	notice := `SYS Le groupe est supprime pour cause d'inactivite. Tappez "quit" pour quitter.`
	grp.sendTo(src, notice)

	assert.Equal(t, "deleted", h.next(t))
	assert.Equal(t, "chat "+notice, h.next(t))
	assert.True(t, sess.Deleted())
}

func TestDialogueGatesChat(t *testing.T) {
	grp := newFakePeer(t)
	dir := newFakePeer(t)
	dir.serve(map[string]string{
		"JOIN chat alice 0.0.0.0 0": fmt.Sprintf("OK chat %d", grp.port()),
	})
	sess, h := newSession(t, dir.port(), "alice")

	_, err := sess.Join("chat")
	require.NoError(t, err)
	_, src := grp.recvFrom()

	// Outside dialogue mode chat is suppressed, control is not.
	grp.sendTo(src, "GROUPE[chat]: Message de bob : coucou")
	h.expectNone(t)

	grp.sendTo(src, "CTRL BANNER_SET bienvenue")
	assert.Equal(t, "banner true bienvenue", h.next(t))
	grp.sendTo(src, "CTRL BANNER_CLR")
	assert.Equal(t, "banner false ", h.next(t))
	grp.sendTo(src, "CTRL IBANNER_SET bientot supprime")
	assert.Equal(t, "ibanner true bientot supprime", h.next(t))
	grp.sendTo(src, "CTRL IBANNER_CLR")
	assert.Equal(t, "ibanner false ", h.next(t))

	sess.SetDialogue(true)
	grp.sendTo(src, "GROUPE[chat]: Message de bob : re")
	assert.Equal(t, "chat GROUPE[chat]: Message de bob : re", h.next(t))
}
