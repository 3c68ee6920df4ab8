//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "paths": {
        "/agents": {"get": {"summary": "List agents", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
        "/agents/stream": {"get": {"summary": "Stream agent snapshots", "produces": ["text/event-stream"], "responses": {"200": {"description": "OK"}}}},
        "/agents/status_update": {"post": {"summary": "Ingest an agent status update", "consumes": ["application/json"], "responses": {"204": {"description": "No Content"}, "404": {"description": "Unknown agent"}}}},
        "/balancer_desired_state": {
            "get": {"summary": "Get the fleet desired state", "responses": {"200": {"description": "OK"}}},
            "put": {"summary": "Replace the fleet desired state", "consumes": ["application/json"], "responses": {"204": {"description": "No Content"}, "400": {"description": "Invalid state"}}}
        }
    }
}`

// SwaggerInfo holds exported Swagger info.
var SwaggerInfo = &swag.Spec{
	Version:          "v1",
	BasePath:         "/api/v1",
	Title:            "balancerd API",
	Description:      "Management API of the slot-aware load balancer. POST /api/v1/generate is served on the inference address.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the API docs under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
