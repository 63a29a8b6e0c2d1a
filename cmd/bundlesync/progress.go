package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// progressBar renders download progress on a single terminal line
type progressBar struct {
	mu    sync.Mutex
	out   io.Writer
	width int
	drawn bool
}

func newProgressBar(out io.Writer, width int) *progressBar {
	return &progressBar{out: out, width: width}
}

func (b *progressBar) update(progress float32, completed int, bytesLabel, speedLabel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = fmt.Fprint(b.out, "\r"+b.render(progress, completed, bytesLabel, speedLabel))
	b.drawn = true
}

func (b *progressBar) done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawn {
		_, _ = fmt.Fprintln(b.out)
		b.drawn = false
	}
}

func (b *progressBar) render(progress float32, completed int, bytesLabel, speedLabel string) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	info := fmt.Sprintf(" %3d%% %d files %s %s", int(progress*100), completed, bytesLabel, speedLabel)
	barWidth := b.width - len(info) - 3
	if barWidth < 10 {
		return strings.TrimSpace(info)
	}

	filled := int(float32(barWidth) * progress)
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled) + "]" + info
}

// confirm asks a yes/no question on out and reads the answer from in.
// Anything other than y or yes is a no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	_, _ = fmt.Fprintf(out, "%s [y/N] ", question)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
