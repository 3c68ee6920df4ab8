package main

// General API documentation for swaggo. Generate with `swag init -g cmd/balancerd/docs.go`.
//
// @title           balancerd API
// @version         1.0
// @description     Management and inference APIs for a fleet of llama.cpp agents.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
