package api

import (
	"github.com/dmdmdm-nz/netchanged/internal/netmon"
	"github.com/dmdmdm-nz/netchanged/internal/netstate"
)

// StateSource is implemented by *netmon.Service.
type StateSource interface {
	Current() netstate.Snapshot
	Subscribe() (<-chan netmon.StateEvent, func())
}

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type errorResponse struct {
	Error string `json:"error"`
}
