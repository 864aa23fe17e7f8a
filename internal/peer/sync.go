package peer

import "github.com/temaune502/wiresync/internal/syncsession"

// StartSync runs one complete sender-driven sync round to completion,
// blocking the caller for its duration (spec.md §4.5). It is the
// entry point a CLI or GUI calls when the local user requests a sync.
func (c *Controller) StartSync() error {
	return syncsession.Run(c)
}
