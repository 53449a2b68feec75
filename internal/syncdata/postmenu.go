package syncdata

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Chooser asks the user to pick one of options. The tui confirm menu
// implements it for the CLI.
type Chooser interface {
	Choose(ctx context.Context, message string, options []string) (string, error)
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(ctx context.Context, message string, options []string) (string, error)

func (f ChooserFunc) Choose(ctx context.Context, message string, options []string) (string, error) {
	return f(ctx, message, options)
}

// Download dispositions.
const (
	ChoiceCancel  = "Cancel"
	ChoiceYes     = "Yes"
	ChoiceNewOnly = "Only new files"
)

// DefaultChoiceTimeout is how long a download confirmation stays valid.
const DefaultChoiceTimeout = 29 * time.Second

// ErrChoiceTimeout rejects a disposition given too late.
var ErrChoiceTimeout = errors.New("Choice timeout (30 seconds) occurred.")

func plural(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// downloadPrompt builds the question shown before a download and the options
// offered. "Only new files" only shows up when there are new files.
func downloadPrompt(newCount, existingCount int, project, folder string) (string, []string) {
	var msg string
	if newCount > 0 {
		msg = fmt.Sprintf("Found %d new %s", newCount, plural("file", newCount))
	}
	if existingCount > 0 {
		if newCount == 0 {
			msg = "Found "
		} else {
			msg += " and "
		}
		msg += fmt.Sprintf("%d existing %s", existingCount, plural("file", existingCount))
	}
	msg = fmt.Sprintf("%s. Do you want to download these files into your project (%s - %s), overwriting existing files?", msg, project, folder)

	options := []string{ChoiceCancel, ChoiceYes}
	if newCount > 0 {
		options = append(options, ChoiceNewOnly)
	}
	return msg, options
}

// choose asks the Chooser and rejects answers given after the timeout.
func (s *Sync) choose(ctx context.Context, msg string, options []string) (string, error) {
	if s.opts.Chooser == nil {
		return "", errors.New("no way to confirm the download")
	}
	asked := time.Now()
	cctx, cancel := context.WithTimeout(ctx, s.opts.ChoiceTimeout)
	defer cancel()

	choice, err := s.opts.Chooser.Choose(cctx, msg, options)
	if time.Since(asked) > s.opts.ChoiceTimeout || errors.Is(err, context.DeadlineExceeded) {
		return "", ErrChoiceTimeout
	}
	if err != nil {
		return "", err
	}
	return choice, nil
}
