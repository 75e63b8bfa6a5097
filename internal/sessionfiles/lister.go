package sessionfiles

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

const (
	// DefaultLimit bounds a listing when the caller does not.
	DefaultLimit = 50

	cacheExpiration = 30 * time.Second
	cacheCleanup    = 2 * time.Minute
)

// Options configure a session file lister.
type Options struct {
	// Dir overrides the sessions root, default ~/.codex/sessions.
	Dir    string
	Logger pslog.Logger
}

// Lister discovers session transcript files the agent records under its
// home directory (sessions/YYYY/MM/DD/*.jsonl). Parsed heads are cached per
// path+mtime so repeated listings avoid re-reading files.
type Lister struct {
	dir   string
	cache *gocache.Cache
	log   pslog.Logger
}

// NewLister builds a lister rooted at the agent's sessions directory.
func NewLister(opts Options) (*Lister, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".codex", "sessions")
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("sessions_dir", dir)
	}
	return &Lister{
		dir:   dir,
		cache: gocache.New(cacheExpiration, cacheCleanup),
		log:   logger,
	}, nil
}

// List returns recorded sessions, newest first. A missing sessions
// directory is an empty listing, not an error.
func (l *Lister) List(ctx context.Context, limit int) ([]schema.RecordedSession, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	files, err := l.collect(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if len(files) > limit {
		files = files[:limit]
	}
	sessions := make([]schema.RecordedSession, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta, err := l.describe(file)
		if err != nil {
			if l.log != nil {
				l.log.Warn("session file head parse failed", "path", file.path, "err", err)
			}
			continue
		}
		sessions = append(sessions, meta)
	}
	// Parsed timestamps can disagree with mtimes; present the parsed order.
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Timestamp.After(sessions[j].Timestamp)
	})
	if l.log != nil {
		l.log.Debug("session files listed", "count", len(sessions))
	}
	return sessions, nil
}

type sessionFile struct {
	path    string
	modTime time.Time
}

// collect walks the fixed year/month/day layout; anything that is not a
// directory at the date levels or not a .jsonl leaf is skipped.
func (l *Lister) collect(ctx context.Context) ([]sessionFile, error) {
	years, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []sessionFile
	for _, year := range years {
		if !year.IsDir() {
			continue
		}
		yearPath := filepath.Join(l.dir, year.Name())
		months, err := os.ReadDir(yearPath)
		if err != nil {
			continue
		}
		for _, month := range months {
			if !month.IsDir() {
				continue
			}
			monthPath := filepath.Join(yearPath, month.Name())
			days, err := os.ReadDir(monthPath)
			if err != nil {
				continue
			}
			for _, day := range days {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if !day.IsDir() {
					continue
				}
				dayPath := filepath.Join(monthPath, day.Name())
				entries, err := os.ReadDir(dayPath)
				if err != nil {
					continue
				}
				for _, entry := range entries {
					if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
						continue
					}
					info, err := entry.Info()
					if err != nil {
						continue
					}
					files = append(files, sessionFile{
						path:    filepath.Join(dayPath, entry.Name()),
						modTime: info.ModTime(),
					})
				}
			}
		}
	}
	return files, nil
}

// describe head-parses one session file, consulting the cache first.
func (l *Lister) describe(file sessionFile) (schema.RecordedSession, error) {
	key := file.path + "|" + strconv.FormatInt(file.modTime.UnixNano(), 10)
	if cached, ok := l.cache.Get(key); ok {
		if meta, ok := cached.(schema.RecordedSession); ok {
			return meta, nil
		}
	}
	meta, err := parseHead(file.path)
	if err != nil {
		return schema.RecordedSession{}, err
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = file.modTime
	}
	l.cache.Set(key, meta, gocache.DefaultExpiration)
	return meta, nil
}
