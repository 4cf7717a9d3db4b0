package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressBar wraps one mpb bar whose total is learned while running
type progressBar struct {
	progress *mpb.Progress
	bar      *mpb.Bar
}

// newProgressBar renders to stdout only when it is a terminal and quiet is off
func newProgressBar(title string, quiet bool) *progressBar {
	var progress *mpb.Progress
	if !quiet && isatty.IsTerminal(os.Stdout.Fd()) {
		progress = mpb.New(mpb.WithWidth(64))
	} else {
		progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(nil))
	}
	bar := progress.AddBar(0,
		mpb.PrependDecorators(
			decor.Name(title, decor.WCSyncWidth),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
		),
	)
	return &progressBar{progress: progress, bar: bar}
}

func (p *progressBar) update(done, total int) {
	p.bar.SetTotal(int64(total), false)
	p.bar.SetCurrent(int64(done))
}

// done completes the bar at its current value and waits for rendering
func (p *progressBar) done() {
	p.bar.SetTotal(-1, true)
	p.progress.Wait()
}
