package httpapi

import (
	"net/http"

	"github.com/swaggo/swag"

	"coderd/internal/httpapi/docs"
)

// openAPIHandler serves the registered OpenAPI document.
func openAPIHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc(docs.SwaggerInfo.InstanceName())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", "api docs unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(doc))
}
