// Package docs registers the OpenAPI document served under /swagger.
// Regenerate with: swag init -g cmd/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {"get": {"tags": ["system"], "summary": "Health check", "responses": {"200": {"description": "OK"}}}},
        "/auth/sign-up": {"post": {"tags": ["auth"], "summary": "Sign up", "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}, "409": {"description": "Conflict"}}}},
        "/auth/sign-in": {"post": {"tags": ["auth"], "summary": "Sign in", "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}}}},
        "/api/v1/devices": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "List devices", "responses": {"200": {"description": "OK"}}},
            "post": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Add device", "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}}}
        },
        "/api/v1/devices/detect": {"post": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Detect devices", "responses": {"200": {"description": "OK"}, "404": {"description": "No ports"}}}},
        "/api/v1/devices/start-all": {"post": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Start all devices", "responses": {"202": {"description": "Accepted"}}}},
        "/api/v1/devices/stop-all": {"post": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Stop all processing", "responses": {"200": {"description": "OK"}}}},
        "/api/v1/devices/wait": {"post": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Wait for completion", "parameters": [{"type": "string", "name": "timeout", "in": "query"}], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}}}},
        "/api/v1/devices/{id}": {
            "get": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Get device", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}},
            "delete": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Remove device", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}
        },
        "/api/v1/devices/{id}/config": {"put": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Set device registration config", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/api/v1/devices/{id}/start": {"post": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Start device", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"202": {"description": "Accepted"}, "409": {"description": "Conflict"}}}},
        "/api/v1/devices/{id}/stop": {"post": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Stop device", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/devices/{id}/reset": {"post": {"security": [{"BearerAuth": []}], "tags": ["devices"], "summary": "Reset device", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/api/v1/devices/{id}/retry": {"post": {"security": [{"BearerAuth": []}], "tags": ["recovery"], "summary": "Retry a failed device", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.RetryRequest"}}], "responses": {"202": {"description": "Accepted"}, "400": {"description": "Bad Request"}, "409": {"description": "Conflict"}}}},
        "/api/v1/devices/{id}/retry-options": {"get": {"security": [{"BearerAuth": []}], "tags": ["recovery"], "summary": "Retry options", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/devices/{id}/error": {"get": {"security": [{"BearerAuth": []}], "tags": ["recovery"], "summary": "Device error details", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/statistics": {"get": {"security": [{"BearerAuth": []}], "tags": ["statistics"], "summary": "Device and queue statistics", "responses": {"200": {"description": "OK"}}}},
        "/api/v1/statistics/performance": {"get": {"security": [{"BearerAuth": []}], "tags": ["statistics"], "summary": "Performance summary", "responses": {"200": {"description": "OK"}}}},
        "/api/v1/statistics/recent": {"get": {"security": [{"BearerAuth": []}], "tags": ["statistics"], "summary": "Recent completions", "parameters": [{"type": "integer", "name": "n", "in": "query"}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/statistics/history": {"delete": {"security": [{"BearerAuth": []}], "tags": ["statistics"], "summary": "Clear in-memory history", "responses": {"204": {"description": "No Content"}}}},
        "/api/v1/outcomes": {"get": {"security": [{"BearerAuth": []}], "tags": ["statistics"], "summary": "Persisted outcomes", "parameters": [{"type": "string", "name": "device_id", "in": "query"}, {"type": "integer", "name": "limit", "in": "query"}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/logs/": {"get": {"security": [{"BearerAuth": []}], "tags": ["logs"], "summary": "List logs", "parameters": [{"type": "string", "name": "from", "in": "query"}, {"type": "string", "name": "to", "in": "query"}, {"type": "string", "name": "type", "in": "query"}, {"type": "string", "name": "device_id", "in": "query"}], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}}}},
        "/ws": {"get": {"tags": ["stream"], "summary": "Live event stream", "responses": {"101": {"description": "Switching Protocols"}}}}
    },
    "definitions": {
        "handlers.RetryRequest": {
            "type": "object",
            "required": ["action"],
            "properties": {
                "action": {"type": "string", "enum": ["retry_current", "retry_from", "retry_full", "skip_continue", "reset"], "example": "retry_from"},
                "phase": {"type": "string", "description": "retry_from: phase to restart at. skip_continue: phase to resume at, as listed by retry-options; omitted skips the failed phase.", "enum": ["mac_acquisition", "device_registration", "config_update", "firmware_build", "firmware_flash"], "example": "config_update"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Device Provisioner API",
	Description:      "Queue-driven provisioning of ESP32 boards: MAC read, registration, config, build and flash.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
