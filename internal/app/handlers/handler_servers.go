package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/sevrin/gantry/internal/app/middleware"
	"github.com/sevrin/gantry/internal/core/domain"
)

type serverView struct {
	*domain.ServerConfig
	Connection *domain.Connection `json:"connection,omitempty"`
}

func (a *Application) serverView(cfg *domain.ServerConfig) serverView {
	view := serverView{ServerConfig: cfg}
	if conn, ok := a.deps.Pool.ConnectionStatus(cfg.ID); ok {
		view.Connection = &conn
	}
	return view
}

// resolveServer accepts either a server id or its unique name.
func (a *Application) resolveServer(ctx context.Context, idOrName string) (*domain.ServerConfig, error) {
	cfg, err := a.deps.Servers.Get(ctx, idOrName)
	if err == nil {
		return cfg, nil
	}
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return a.deps.Servers.GetByName(ctx, idOrName)
	}
	return nil, err
}

func (a *Application) listServersHandler(w http.ResponseWriter, r *http.Request) {
	configs, err := a.deps.Servers.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	views := make([]serverView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, a.serverView(cfg))
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"servers": views, "count": len(views)})
}

func (a *Application) createServerHandler(w http.ResponseWriter, r *http.Request) {
	var cfg domain.ServerConfig
	if err := a.decodeBody(r, &cfg); err != nil {
		a.writeError(w, r, err)
		return
	}

	if err := a.deps.Servers.Create(r.Context(), &cfg); err != nil {
		a.writeError(w, r, err)
		return
	}

	a.deps.Bus.Publish(domain.NewEvent(domain.EventServerCreated, cfg.ID, map[string]any{
		"serverName": cfg.Name,
	}))
	a.audit(r, "server.create", cfg.ID, cfg.Name)

	if cfg.Enabled {
		if err := a.deps.Controller.ConnectServer(r.Context(), &cfg); err != nil {
			middleware.GetLogger(r.Context()).Warn("Connect after create failed", "server", cfg.Name, "error", err.Error())
		}
	}

	a.writeJSON(w, r, http.StatusCreated, a.serverView(&cfg))
}

func (a *Application) getServerHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.resolveServer(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, a.serverView(cfg))
}

func (a *Application) updateServerHandler(w http.ResponseWriter, r *http.Request) {
	existing, err := a.resolveServer(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var cfg domain.ServerConfig
	if err := a.decodeBody(r, &cfg); err != nil {
		a.writeError(w, r, err)
		return
	}
	cfg.ID = existing.ID
	cfg.CreatedAt = existing.CreatedAt

	if err := a.deps.Servers.Update(r.Context(), &cfg); err != nil {
		a.writeError(w, r, err)
		return
	}

	a.deps.Bus.Publish(domain.NewEvent(domain.EventServerUpdated, cfg.ID, map[string]any{
		"serverName": cfg.Name,
	}))
	a.audit(r, "server.update", cfg.ID, cfg.Name)

	a.writeJSON(w, r, http.StatusOK, a.serverView(&cfg))
}

func (a *Application) deleteServerHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.resolveServer(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if _, known := a.deps.Pool.ConnectionStatus(cfg.ID); known {
		if err := a.deps.Controller.DisconnectServer(r.Context(), cfg.ID); err != nil {
			middleware.GetLogger(r.Context()).Warn("Disconnect before delete failed", "server", cfg.Name, "error", err.Error())
		}
	}

	if err := a.deps.Servers.Delete(r.Context(), cfg.ID); err != nil {
		a.writeError(w, r, err)
		return
	}

	a.deps.Bus.Publish(domain.NewEvent(domain.EventServerDeleted, cfg.ID, map[string]any{
		"serverName": cfg.Name,
	}))
	a.audit(r, "server.delete", cfg.ID, cfg.Name)

	w.WriteHeader(http.StatusNoContent)
}

func (a *Application) connectServerHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.resolveServer(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if err := a.deps.Controller.ConnectServer(r.Context(), cfg); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, "server.connect", cfg.ID, cfg.Name)
	a.writeJSON(w, r, http.StatusOK, a.serverView(cfg))
}

func (a *Application) disconnectServerHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.resolveServer(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if err := a.deps.Controller.DisconnectServer(r.Context(), cfg.ID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.audit(r, "server.disconnect", cfg.ID, cfg.Name)
	a.writeJSON(w, r, http.StatusOK, a.serverView(cfg))
}

// setEnabledHandler flips the enabled flag. Disabling tears down any
// live connection; enabling brings one up straight away.
func (a *Application) setEnabledHandler(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := a.resolveServer(r.Context(), r.PathValue("id"))
		if err != nil {
			a.writeError(w, r, err)
			return
		}

		if err := a.deps.Servers.SetEnabled(r.Context(), cfg.ID, enabled); err != nil {
			a.writeError(w, r, err)
			return
		}
		cfg.Enabled = enabled

		action := "server.disable"
		if enabled {
			action = "server.enable"
			if err := a.deps.Controller.ConnectServer(r.Context(), cfg); err != nil {
				middleware.GetLogger(r.Context()).Warn("Connect after enable failed", "server", cfg.Name, "error", err.Error())
			}
		} else if _, known := a.deps.Pool.ConnectionStatus(cfg.ID); known {
			if err := a.deps.Controller.DisconnectServer(r.Context(), cfg.ID); err != nil {
				middleware.GetLogger(r.Context()).Warn("Disconnect after disable failed", "server", cfg.Name, "error", err.Error())
			}
		}

		a.deps.Bus.Publish(domain.NewEvent(domain.EventServerUpdated, cfg.ID, map[string]any{
			"serverName": cfg.Name,
			"enabled":    enabled,
		}))
		a.audit(r, action, cfg.ID, cfg.Name)

		a.writeJSON(w, r, http.StatusOK, a.serverView(cfg))
	}
}

func (a *Application) serverToolsHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.resolveServer(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	tools := a.deps.Tools.ListByServer(cfg.ID)
	a.writeJSON(w, r, http.StatusOK, toolListResponse{Tools: tools, Count: len(tools)})
}
