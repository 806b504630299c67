// Package automodtest provides a recording automod.Engine for detector tests.
package automodtest

import (
	"context"
	"sync"

	"modguard/internal/punishment"
	"modguard/internal/storage"
)

type Warning struct {
	GuildID string
	UserID  string
	Reason  string
}

type Action struct {
	GuildID    string
	UserID     string
	Punishment punishment.Punishment
}

// Engine returns Guild for every guild and records Warn and Punish calls.
type Engine struct {
	mu       sync.Mutex
	Guild    storage.GuildSettings
	Warnings []Warning
	Actions  []Action
}

func (e *Engine) Settings(_ context.Context, guildID string) storage.GuildSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	settings := e.Guild
	settings.GuildID = guildID
	return settings
}

func (e *Engine) Warn(_ context.Context, target punishment.Target, _ string, reason string) ([]punishment.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Warnings = append(e.Warnings, Warning{GuildID: target.GuildID(), UserID: target.UserID(), Reason: reason})
	return []punishment.Outcome{{}}, nil
}

func (e *Engine) Punish(_ context.Context, target punishment.Target, p punishment.Punishment) (punishment.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Actions = append(e.Actions, Action{GuildID: target.GuildID(), UserID: target.UserID(), Punishment: p})
	return punishment.Outcome{}, nil
}

// Banned lists the user ids of recorded Ban actions in order.
func (e *Engine) Banned() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for _, action := range e.Actions {
		if action.Punishment.Kind == punishment.Ban {
			ids = append(ids, action.UserID)
		}
	}
	return ids
}
