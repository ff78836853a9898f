package campaign

import "errors"

// Campaign errors
var (
	ErrInvalidTargetRule    = errors.New("invalid target rule")
	ErrInvalidCampaignState = errors.New("invalid campaign state")
	ErrAlreadyRunning       = errors.New("campaign already running")
	ErrEngineStopped        = errors.New("campaign engine stopped")
)
