package media

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper deletes stored media older than MaxAge on a cron schedule.
type Sweeper struct {
	Dir    string
	MaxAge time.Duration

	log   *zap.Logger
	sched *cron.Cron
	now   func() time.Time
}

func NewSweeper(dir string, maxAge time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{Dir: dir, MaxAge: maxAge, log: log.Named("media"), now: time.Now}
}

// Start schedules the sweep. A zero MaxAge disables it.
func (s *Sweeper) Start(spec string) error {
	if s.MaxAge <= 0 {
		s.log.Info("media retention disabled")
		return nil
	}
	s.sched = cron.New(cron.WithParser(cronParser))
	if _, err := s.sched.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("media sweep panicked", zap.Any("panic", r))
			}
		}()
		if n, err := s.Sweep(); err != nil {
			s.log.Error("media sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("media sweep removed files", zap.Int("count", n))
		}
	}); err != nil {
		return err
	}
	s.sched.Start()
	s.log.Info("media retention scheduled", zap.String("spec", spec), zap.Duration("max_age", s.MaxAge))
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.sched != nil {
		<-s.sched.Stop().Done()
	}
}

// Sweep removes expired files once and returns how many were deleted.
func (s *Sweeper) Sweep() (int, error) {
	cutoff := s.now().Add(-s.MaxAge)
	removed := 0
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.log.Warn("failed to remove expired media", zap.String("path", path), zap.Error(err))
				return nil
			}
			removed++
		}
		return nil
	})
	return removed, err
}
