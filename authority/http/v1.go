package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the authority API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, svc Authority) {
	// orders

	mux.Handle(
		prefix+"/orders",
		ListOrdersHandler(svc, logger.With("handler", "list orders")),
		"GET",
	)
	mux.Handle(
		prefix+"/orders/:id",
		GetOrderHandler(svc, logger.With("handler", "get order")),
		"GET",
	)
	mux.Handle(
		prefix+"/orders/:id",
		PutOrderHandler(svc, logger.With("handler", "put order")),
		"PUT",
	)

	// claims

	mux.Handle(
		prefix+"/orders/:id/claim",
		OperatorHandler(svc.ClaimOrder, logger.With("handler", "claim order")),
		"POST",
	)
	mux.Handle(
		prefix+"/orders/:id/release",
		OperatorHandler(svc.ReleaseOrder, logger.With("handler", "release order")),
		"POST",
	)
	mux.Handle(
		prefix+"/orders/:id/complete",
		OperatorHandler(svc.CompleteOrder, logger.With("handler", "complete order")),
		"POST",
	)

	// execution records

	mux.Handle(
		prefix+"/records/:id",
		SaveRecordHandler(svc, logger.With("handler", "save record")),
		"POST",
	)
	mux.Handle(
		prefix+"/records/:id",
		GetRecordHandler(svc, logger.With("handler", "get record")),
		"GET",
	)

	// media

	mux.Handle(
		prefix+"/media/:id",
		PutMediaHandler(svc, logger.With("handler", "put media")),
		"PUT",
	)
	mux.Handle(
		prefix+"/media/:id",
		GetMediaHandler(svc, logger.With("handler", "get media")),
		"GET",
	)
}
