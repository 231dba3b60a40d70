// Package api serves the local control surface of coven-bridge.
//
// # Routes
//
//	GET    /health                         liveness of the bridge process itself
//	GET    /metrics                        Prometheus, when metrics are enabled
//	GET    /api/gateway/status             supervisor snapshot
//	GET    /api/gateway/health             ping round trip through the gateway
//	GET    /api/gateway/events?kind=a,b    server-sent events
//	POST   /api/gateway/{start,stop,restart}
//	POST   /api/gateway/rpc                {method, params, timeoutMs}
//	GET    /api/providers                  providers with hasKey flags
//	GET    /api/providers/default
//	PUT    /api/providers/default          {id}
//	DELETE /api/providers/default          unset; no provider is promoted
//	GET    /api/providers/{id}
//	PUT    /api/providers/{id}             config plus optional apiKey
//	DELETE /api/providers/{id}
//	GET    /api/providers/{id}/key         hasKey only
//	PUT    /api/providers/{id}/key         {apiKey}
//	DELETE /api/providers/{id}/key
//	POST   /api/providers/{id}/validate    {apiKey}, format check only
//
// # Responses
//
// JSON bodies use the envelope {success, result} or {success:false,
// error:{kind, message}}. The error kind is the bridge failure kind and also
// selects the HTTP status. POST /api/gateway/rpc answers 200 with the
// normalized RPC result so that callers see one failure channel.
//
// # Authentication
//
// When a verifier is configured every /api route needs a bearer token; reads
// need the read scope and mutations need control. See package auth.
package api
