// Package api serves the envrun HTTP API.
//
// Routes live under /api/v1 and require an HS256 bearer token whose subject
// is the acting user; the optional team_id claim becomes the actor's team.
// Engine errors map to statuses as follows:
//
//	validation                 400
//	dependency cycle, graph    422
//	not found                  404
//	locks, invalid transition  409
//
// GET /api/v1/module-runs/{id}/logs/stream upgrades to a websocket that
// replays stored log lines and then follows the run until it is terminal.
// /healthz and the Prometheus endpoint are served without authentication.
package api
