package directory

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watchBannerFile mirrors a file on disk into the admin banner: writing
// the file pushes its first non-empty line to every group, truncating
// it clears the banner. Lets operators script banners without touching
// the console.
func (s *Server) watchBannerFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create banner watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by
	// rename, which drops a direct watch.
	dir := filepath.Dir(s.cfg.BannerFile)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.cfg.BannerFile)

	// Apply any banner already present at startup.
	s.applyBannerFile(target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				s.applyBannerFile(target)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("DIR: banner watcher: %v", err)
		}
	}
}

func (s *Server) applyBannerFile(path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("DIR: read banner file: %v", err)
		}
		return
	}
	for _, line := range strings.Split(string(b), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			log.Printf("DIR: banner file -> %q", line)
			s.SetBanner(line)
			return
		}
	}
	log.Printf("DIR: banner file empty -> clear")
	s.ClearBanner()
}
