package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the status API.
func buildOpenAPIDoc(authEnabled bool) map[string]any {
	list := func(summary, tag string, params ...string) map[string]any {
		op := map[string]any{
			"summary": summary,
			"tags":    []string{tag},
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"400": map[string]any{"description": "Bad query parameter"},
				"503": map[string]any{"description": "Backing store unavailable"},
			},
		}
		if len(params) > 0 {
			ps := make([]any, 0, len(params))
			for _, p := range params {
				ps = append(ps, map[string]any{
					"name":   p,
					"in":     "query",
					"schema": map[string]any{"type": "string"},
				})
			}
			op["parameters"] = ps
		}
		return map[string]any{"get": op}
	}

	scan := map[string]any{
		"summary": "Run one deadlock scan now",
		"tags":    []string{"locks"},
		"responses": map[string]any{
			"200": map[string]any{"description": "Scan report"},
			"401": map[string]any{"description": "Missing or invalid token"},
		},
	}
	if authEnabled {
		scan["security"] = []any{map[string]any{"BearerAuth": []string{}}}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Convoy",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz":    list("Liveness and reaper status", "ops"),
			"/locks":      list("Lock records", "locks", "group_id", "status", "limit"),
			"/executions": list("Execution log", "executions", "execution_id", "phase", "group_id", "limit"),
			"/audit":      list("Audit trail", "audit", "kind", "phase", "since", "limit"),
			"/ratelimits": list("Token bucket state", "ratelimit"),
			"/events":     list("Server-sent event stream", "events"),
			"/scan":       map[string]any{"post": scan},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
