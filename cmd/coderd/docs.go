package main

// General API documentation for swaggo. Run `make swagger-gen` to regenerate
// internal/httpapi/docs.
//
// @title           coderd API
// @version         1.0
// @description     OpenAI-style chat completions served by local code models.
//
// @contact.name   coderd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
