// Package api provides OpenAPI/Swagger documentation for the BIEM API.
//
// This package contains the request/response DTOs and related documentation
// for the BIEM HTTP API.
//
// # API Overview
//
// BIEM provides a RESTful API for:
//   - Memory ingestion, recall, feedback and causal linking
//   - Prompt context assembly from tiered memory
//   - Knowledge triple extraction, querying and confirmation
//   - Event push over WebSocket (dissonance signals, pending updates)
//   - Health monitoring and metrics
//
// # Authentication
//
// Most API endpoints require authentication via the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// or a JWT bearer token carrying the memory scope:
//
//	Authorization: Bearer <token>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # OpenAPI Specification
//
// The OpenAPI 3.0 specification is available at:
//   - api/openapi.yaml (static file)
//   - /swagger/doc.json (when swag is used)
//
// # Generating Documentation
//
// To regenerate Swagger documentation using swag:
//
//	make docs-swagger
//
// Or manually:
//
//	swag init -g cmd/biem/main.go -o api --parseDependency --parseInternal
//
// # Viewing Documentation
//
// To view the API documentation in Swagger UI:
//
//	make docs-serve
//
// This will start a Swagger UI server at http://localhost:8081
package api
