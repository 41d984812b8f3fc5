package prompt

import (
	"fmt"

	"github.com/manifoldco/promptui"
)

// Password asks for a masked passphrase.
func Password(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}

	result, err := p.Run()
	return result, wrapError(err)
}

// PasswordWithValidation asks for a masked passphrase of at least
// minLength characters.
func PasswordWithValidation(label string, minLength int) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Mask:  '*',
		Validate: func(input string) error {
			if len(input) < minLength {
				return fmt.Errorf("must be at least %d characters", minLength)
			}
			return nil
		},
	}

	result, err := p.Run()
	return result, wrapError(err)
}

// PasswordWithConfirmation asks for a passphrase twice and requires
// both entries to match.
func PasswordWithConfirmation(label, confirmLabel string, minLength int) (string, error) {
	pass, err := PasswordWithValidation(label, minLength)
	if err != nil {
		return "", err
	}

	confirm, err := Password(confirmLabel)
	if err != nil {
		return "", err
	}

	if pass != confirm {
		return "", ErrPasswordMismatch
	}
	return pass, nil
}
