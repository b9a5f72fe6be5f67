package validators

import "errors"

// Argon2 will happily hash megabytes of input, so the upper bound stops
// clients from making every login expensive
const maxPasswordLength = 255

var (
	ErrPasswordTooLong = errors.New("password is too long")
	ErrPasswordEmpty   = errors.New("no password provided")
)

func PasswordValidator(p string) error {
	if p == "" {
		return ErrPasswordEmpty
	}

	if len(p) > maxPasswordLength {
		return ErrPasswordTooLong
	}

	return nil
}
