// Package router collects control-plane routes before wiring them onto
// a mux, so startup can print one table of everything the gateway
// serves.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pterm/pterm"

	"github.com/sevrin/gantry/internal/adapter/security"
	"github.com/sevrin/gantry/internal/logger"
)

type RouteInfo struct {
	Handler     http.HandlerFunc
	Description string
	Method      string
	Order       int
}

type RouteRegistry struct {
	routes   map[string]RouteInfo
	logger   *logger.StyledLogger
	orderSeq int
}

func NewRouteRegistry(logger *logger.StyledLogger) *RouteRegistry {
	return &RouteRegistry{
		routes: make(map[string]RouteInfo),
		logger: logger,
	}
}

func (r *RouteRegistry) Register(route string, handler http.HandlerFunc, description string) {
	r.RegisterWithMethod(route, handler, description, "GET")
}

// RegisterWithMethod keys routes by "METHOD path" so one path can carry
// different handlers per verb. The composed key doubles as the mux
// pattern when wiring up.
func (r *RouteRegistry) RegisterWithMethod(route string, handler http.HandlerFunc, description, method string) {
	pattern := route
	if method != "" {
		pattern = method + " " + route
	}
	r.routes[pattern] = RouteInfo{
		Handler:     handler,
		Description: description,
		Method:      method,
		Order:       r.orderSeq,
	}
	r.orderSeq++
}

func (r *RouteRegistry) WireUp(mux *http.ServeMux) {
	for pattern, info := range r.routes {
		mux.HandleFunc(pattern, info.Handler)
	}
	r.logRoutesTable()
}

// WireUpWithSecurityChain applies the edge security middleware to every
// route before mounting.
func (r *RouteRegistry) WireUpWithSecurityChain(mux *http.ServeMux, adapters *security.Adapters) {
	if adapters == nil {
		r.WireUp(mux)
		return
	}

	chain := adapters.CreateChainMiddleware()
	for pattern, info := range r.routes {
		mux.Handle(pattern, chain(info.Handler))
	}
	r.logRoutesTable()
}

func (r *RouteRegistry) GetRoutes() map[string]RouteInfo {
	return r.routes
}

func (r *RouteRegistry) logRoutesTable() {
	if len(r.routes) == 0 {
		return
	}

	type routeEntry struct {
		path   string
		method string
		desc   string
		order  int
	}

	var entries []routeEntry
	for pattern, info := range r.routes {
		entries = append(entries, routeEntry{
			path:   strings.TrimPrefix(pattern, info.Method+" "),
			method: info.Method,
			desc:   info.Description,
			order:  info.Order,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})

	tableData := [][]string{
		{"ROUTE", "METHOD", "DESCRIPTION"},
	}

	for _, entry := range entries {
		tableData = append(tableData, []string{
			entry.path,
			entry.method,
			entry.desc,
		})
	}

	r.logger.InfoWithCount("Registered web routes", len(entries))
	tableString, _ := pterm.DefaultTable.WithHasHeader().WithData(tableData).Srender()
	fmt.Print(tableString)
}
