// isychat is a multi-group chat fabric over UDP. One binary carries the
// three roles: the directory/control service, the per-group broadcast
// daemon (normally spawned by the directory) and an interactive client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/isychat/isychat/internal/client"
	"github.com/isychat/isychat/internal/config"
	"github.com/isychat/isychat/internal/directory"
	"github.com/isychat/isychat/internal/group"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var showVersion = flag.Bool("version", false, "Show version")

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("isychat v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "server":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: isychat server <config_path>")
			os.Exit(1)
		}
		runServer(args[1])

	case "group":
		if len(args) != 4 {
			fmt.Fprintln(os.Stderr, "Usage: isychat group <name> <port> <idle_timeout_seconds>")
			os.Exit(1)
		}
		runGroup(args[1], args[2], args[3])

	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: isychat client <config_path>")
			os.Exit(1)
		}
		runClient(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  isychat server <config_path>                       run the directory")
	fmt.Fprintln(os.Stderr, "  isychat group <name> <port> <idle_timeout_sec>     run one group daemon")
	fmt.Fprintln(os.Stderr, "  isychat client <config_path>                       run a client session")
}

func runServer(confPath string) {
	cfg, err := config.LoadDirectory(confPath)
	if err != nil {
		log.Fatalf("DIR: config: %v", err)
	}
	srv, err := directory.New(cfg)
	if err != nil {
		log.Fatalf("DIR: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Detached like the historical operator console: it ends on its own
	// at EOF or /quit and never blocks shutdown.
	go srv.RunConsole(os.Stdin, os.Stdout)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("DIR: %v", err)
	}
}

func runGroup(name, portStr, idleStr string) {
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		log.Fatalf("GROUP: bad port %q", portStr)
	}
	idleSec, err := strconv.Atoi(idleStr)
	if err != nil || idleSec < 0 {
		log.Fatalf("GROUP: bad idle timeout %q", idleStr)
	}

	d, err := group.New(name, port, time.Duration(idleSec)*time.Second)
	if err != nil {
		log.Fatalf("GROUP: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Fatalf("GROUP: %v", err)
	}
}

// printer is the bundled renderer: plain lines on stdout. The pinned
// banner window of the historical terminal UI is an external concern.
type printer struct{}

func (printer) OnChat(line string) { fmt.Println(line) }

func (printer) OnAdminBanner(active bool, text string) {
	if active {
		fmt.Printf("[BANNIERE] %s\n", text)
	} else {
		fmt.Println("[BANNIERE] (retiree)")
	}
}

func (printer) OnIdleBanner(active bool, text string) {
	if active {
		fmt.Printf("[INACTIVITE] %s\n", text)
	} else {
		fmt.Println("[INACTIVITE] (retiree)")
	}
}

func (printer) OnRedirect(group string, port int, reason string) {
	fmt.Printf("[SYS] redirect vers %s:%d (%s)\n", group, port, reason)
}

func (printer) OnGroupDeleted() {
	fmt.Println("[SYS] le groupe a ete supprime.")
}

func runClient(confPath string) {
	cfg, err := config.LoadClient(confPath)
	if err != nil {
		log.Fatalf("CLIENT: config: %v", err)
	}
	sess, err := client.New(cfg, printer{})
	if err != nil {
		log.Fatalf("CLIENT: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sess.Start(ctx)
	defer sess.Close()
	sess.SetDialogue(true)

	fmt.Printf("isychat client '%s' -> %s:%d (aide: /help)\n", cfg.User, cfg.ServerIP, cfg.ServerPort)

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if g, moved := sess.CheckRedirect(); moved {
			fmt.Printf("[SYS] bascule vers %s\n", g)
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := sess.Send(line); err != nil {
				fmt.Printf("[ERR] %v\n", err)
			}
			continue
		}
		if done := clientCommand(sess, line); done {
			return
		}
	}
}

// clientCommand executes one /slash command; true means quit.
func clientCommand(sess *client.Session, line string) bool {
	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	switch fields[0] {
	case "/help":
		fmt.Println("/list, /create <g>, /join <g>, /leave, /ban <u>, /unban <u>,")
		fmt.Println("/merge <A> <B>, /token <g> <token>, /tokens, /quit; tout le reste part en message.")

	case "/list":
		groups, err := sess.List()
		if err != nil {
			fmt.Printf("[ERR] %v\n", err)
			break
		}
		if len(groups) == 0 {
			fmt.Println("(aucun)")
			break
		}
		for _, g := range groups {
			fmt.Printf("%s %d\n", g.Name, g.Port)
		}

	case "/create":
		info, token, err := sess.Create(arg(1))
		if err != nil {
			fmt.Printf("[ERR] %v\n", err)
			break
		}
		fmt.Printf("OK %s %d\n", info.Name, info.Port)
		if token != "" {
			fmt.Printf("[SYS] vous etes ADMIN de %s\n", info.Name)
		}

	case "/join":
		info, err := sess.Join(arg(1))
		if err != nil {
			fmt.Printf("[ERR] %v\n", err)
			break
		}
		fmt.Printf("[SYS] connexion au groupe %s realisee.\n", info.Name)

	case "/leave":
		sess.Leave()
		fmt.Println("[SYS] groupe quitte.")

	case "/ban":
		if err := sess.Ban(arg(1)); err != nil {
			fmt.Printf("[ERR] %v\n", err)
		}

	case "/unban":
		if err := sess.Unban(arg(1)); err != nil {
			fmt.Printf("[ERR] %v\n", err)
		}

	case "/merge":
		reply, err := sess.Merge(arg(1), arg(2))
		if err != nil {
			fmt.Printf("[ERR] %v\n", err)
			break
		}
		fmt.Println(reply)

	case "/token":
		if arg(1) == "" || arg(2) == "" {
			fmt.Println("usage: /token <groupe> <token>")
			break
		}
		sess.Tokens.Set(arg(1), arg(2))
		fmt.Printf("[SYS] token enregistre pour %s.\n", arg(1))

	case "/tokens":
		groups := sess.Tokens.Groups()
		if len(groups) == 0 {
			fmt.Println("(aucun token)")
			break
		}
		for _, g := range groups {
			tok, _ := sess.Tokens.Get(g)
			fmt.Printf("%s : %s\n", g, tok)
		}

	case "/quit":
		return true

	default:
		fmt.Println("[SYS] commande inconnue; /help")
	}
	return false
}
