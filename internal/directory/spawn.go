package directory

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/isychat/isychat/internal/config"
)

// SpawnFunc launches one group daemon for name on port with the given
// idle budget and returns its supervision handle.
type SpawnFunc func(name string, port, idleSec int) (Child, error)

type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) Signal(sig os.Signal) error { return c.cmd.Process.Signal(sig) }
func (c *execChild) Wait() error                { return c.cmd.Wait() }

// execSpawner builds the default spawner: run GROUP_CMD, or re-exec the
// current binary with the "group" subcommand.
func execSpawner(cfg config.Directory) SpawnFunc {
	return func(name string, port, idleSec int) (Child, error) {
		bin := cfg.GroupCmd
		args := []string{name, strconv.Itoa(port), strconv.Itoa(idleSec)}
		if bin == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate group binary: %w", err)
			}
			bin = self
			args = append([]string{"group"}, args...)
		}
		cmd := exec.Command(bin, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start group daemon: %w", err)
		}
		return &execChild{cmd: cmd}, nil
	}
}
