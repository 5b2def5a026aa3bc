package tracker

import "github.com/pkg/errors"

func errUnsupportedScheme(scheme string) error {
	return errors.Errorf("tracker: unsupported scheme %q", scheme)
}
