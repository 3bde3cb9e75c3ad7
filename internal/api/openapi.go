package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the status endpoints.
func buildOpenAPIDoc(version string, secured bool) map[string]any {
	if version == "" {
		version = "dev"
	}

	var security []any
	if secured {
		security = []any{map[string]any{"BearerAuth": []string{}}}
	}

	get := func(id, summary string, params []any, protected bool) map[string]any {
		op := map[string]any{
			"operationId": id,
			"summary":     summary,
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
			},
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if protected && security != nil {
			op["security"] = security
			op["responses"].(map[string]any)["401"] = map[string]any{"description": "Missing or invalid token"}
		}
		return map[string]any{"get": op}
	}

	since := map[string]any{
		"name":     "since",
		"in":       "query",
		"required": false,
		"schema":   map[string]any{"type": "integer", "minimum": 0},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "logrun status",
			"version": version,
		},
		"paths": map[string]any{
			"/healthz": get("healthz", "Liveness and current run phase", nil, false),
			"/status":  get("status", "Run phase and worker activity", nil, true),
			"/events":  get("events", "Run events newer than since", []any{since}, true),
			"/metrics": get("metrics", "Prometheus exposition of run phase and workers", nil, true),
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
