// Package prompt wraps the interactive terminal prompts the commands
// use: yes/no confirmation before destructive actions and masked
// passphrase entry for protected shares.
package prompt

import (
	"errors"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user interrupts a prompt (Ctrl+C).
var ErrAborted = errors.New("aborted")

// ErrPasswordMismatch is returned when a passphrase and its
// confirmation differ.
var ErrPasswordMismatch = errors.New("passphrases do not match")

// IsAborted reports whether err means the user walked away from a
// prompt rather than answering it.
func IsAborted(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) || errors.Is(err, ErrAborted)
}

// wrapError folds the promptui interrupt and abort errors into
// ErrAborted so callers match one sentinel.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsAborted(err) {
		return ErrAborted
	}
	return err
}
