package directory

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/isychat/isychat/internal/audit"
	"github.com/isychat/isychat/internal/proto"
)

// RunConsole reads operator commands from in and writes feedback to
// out. It is started detached next to Run: it finishes on EOF or on
// /quit, and a server shutdown does not need to interrupt it.
func (s *Server) RunConsole(in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "Console: /banner <texte>, /banner_clr, /sys <texte>, /list, /help, /quit")

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		verb, rest := proto.SplitVerb(line)
		switch verb {
		case "/banner":
			if rest == "" {
				fmt.Fprintln(out, "usage: /banner <texte>")
				continue
			}
			s.SetBanner(rest)
			fmt.Fprintln(out, "banniere envoyee.")
		case "/banner_clr":
			s.ClearBanner()
			fmt.Fprintln(out, "banniere retiree.")
		case "/sys":
			if rest == "" {
				fmt.Fprintln(out, "usage: /sys <texte>")
				continue
			}
			s.broadcastSys(rest)
			fmt.Fprintln(out, "annonce envoyee.")
		case "/list":
			fmt.Fprintln(out, s.listing())
		case "/help":
			fmt.Fprintln(out, "/banner <texte>   bandeau persistant pour tous les groupes")
			fmt.Fprintln(out, "/banner_clr       retire le bandeau")
			fmt.Fprintln(out, "/sys <texte>      annonce ponctuelle")
			fmt.Fprintln(out, "/list             groupes actifs")
			fmt.Fprintln(out, "/quit             arrete le serveur")
		case "/quit":
			s.Shutdown()
			return
		default:
			fmt.Fprintln(out, "commande inconnue; /help")
		}
	}
	if err := sc.Err(); err != nil {
		log.Printf("DIR: console: %v", err)
	}
}

// SetBanner pushes a sticky admin banner to every live group.
func (s *Server) SetBanner(text string) {
	s.broadcastCtrl(proto.KindCtrl + " " + proto.CtrlBannerSet + " " + text)
	s.audit(audit.KindBanner, "", text)
}

// ClearBanner retracts the admin banner on every live group.
func (s *Server) ClearBanner() {
	s.broadcastCtrl(proto.KindCtrl + " " + proto.CtrlBannerClr)
	s.audit(audit.KindBanner, "", "")
}
