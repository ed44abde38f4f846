package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/harvest-api/internal/handlers"
)

// NewRouter sets up the webhook and query API routes
func NewRouter(
	health *handlers.HealthHandler,
	webhook *handlers.WebhookHandler,
	records *handlers.RecordHandler,
	jobs *handlers.JobHandler,
	deliveries *handlers.DeliveryHandler,
) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", health.HealthCheck).Methods(http.MethodGet)

	// Provider callbacks
	router.HandleFunc("/webhooks/deliveries", webhook.Receive).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/records", records.ListRecords).Methods(http.MethodGet)
	api.HandleFunc("/records/{recordID}", records.GetRecord).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}", jobs.GetJob).Methods(http.MethodGet)

	// stats must be registered before {deliveryID}
	api.HandleFunc("/deliveries", deliveries.ListDeliveries).Methods(http.MethodGet)
	api.HandleFunc("/deliveries/stats", deliveries.GetDeliveryStats).Methods(http.MethodGet)
	api.HandleFunc("/deliveries/{deliveryID}", deliveries.GetDelivery).Methods(http.MethodGet)
	api.HandleFunc("/deliveries/{deliveryID}/replay", deliveries.ReplayDelivery).Methods(http.MethodPost)

	return router
}
