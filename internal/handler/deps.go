package handler

import (
	"meetmesh/internal/app/meeting"
	"meetmesh/internal/app/presence"
	"meetmesh/internal/app/relay"
	"meetmesh/internal/configs"
	"meetmesh/internal/pkg/pow"
)

// AppDeps carries everything the HTTP layer needs.
type AppDeps struct {
	Config   *configs.AppConfig
	Relay    *relay.Relay
	Registry *presence.Registry
	Meetings *meeting.Service
	Pow      *pow.Manager
}
