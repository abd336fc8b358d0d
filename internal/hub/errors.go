package hub

import (
	"errors"
	"fmt"

	"courier/pkg/types"
)

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNotAuthenticated  = fmt.Errorf("%w: connection is not authenticated", types.ErrAuth)
)
