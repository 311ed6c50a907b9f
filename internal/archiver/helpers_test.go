package archiver_test

import (
	"errors"
	"fmt"

	"github.com/Technical-1/Git-Archiver/internal/gitmirror"
)

func errRepoNotFound() error {
	return fmt.Errorf("%w: fake upstream", gitmirror.ErrRepoNotFound)
}

func errUnauthorized() error {
	return fmt.Errorf("%w: fake upstream", gitmirror.ErrRepoUnauthorized)
}

func errTransport() error {
	return errors.New("connection reset by peer")
}
