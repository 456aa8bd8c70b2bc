// Package activity provides the default linkedit.ActivityLogger used
// when no caller-supplied one is wired in: a single mpb progress line
// that tracks the optimizer's current task and status message.
package activity

import (
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/blacktop/go-dsc-relink/linkedit"
)

// Logger renders one indefinite mpb bar whose trailing decorator shows
// the most recent task/message pair reported through Update.
type Logger struct {
	progress *mpb.Progress
	bar      *mpb.Bar

	mu      sync.Mutex
	task    string
	message string
}

var _ linkedit.ActivityLogger = (*Logger)(nil)

// New starts an mpb.Progress with one bar tracking reconstruction of a
// single image. name typically identifies the image (e.g. its install
// name) for display alongside the status line.
func New(name string) *Logger {
	l := &Logger{progress: mpb.New(mpb.WithWidth(60))}
	l.bar = l.progress.New(0,
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("]"),
		mpb.PrependDecorators(decor.Name(name+" ")),
		mpb.AppendDecorators(decor.Any(l.renderStatus)),
	)
	return l
}

func (l *Logger) renderStatus(decor.Statistics) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.task == "" {
		return l.message
	}
	return l.task + ": " + l.message
}

// Update implements linkedit.ActivityLogger.
func (l *Logger) Update(task, message string) {
	l.mu.Lock()
	if task != "" {
		l.task = task
	}
	l.message = message
	l.mu.Unlock()
	l.bar.SetCurrent(l.bar.Current() + 1)
}

// Done marks the bar complete and waits for mpb's render loop to flush.
func (l *Logger) Done() {
	l.bar.SetTotal(l.bar.Current(), true)
	l.progress.Wait()
}
