// Package http contains HTTP handlers for the authority API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/authority/storage"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/http/api"
	"github.com/protravka/protravka/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// MaxBodySize limits the size of snapshot and media uploads.
const MaxBodySize = 32 << 20

var (
	ErrNoID      = errors.New("no ID provided")
	ErrNoService = errors.New("missing authority service")
)

// Authority is the authority service driven by the handlers.
type Authority interface {
	PutOrder(ctx context.Context, o *execution.Order) error
	GetOrder(ctx context.Context, id string) (*execution.Order, error)
	ListOrders(ctx context.Context, status execution.OrderStatus) ([]*execution.Order, error)
	ClaimOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error)
	ReleaseOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error)
	CompleteOrder(ctx context.Context, id string, op execution.Operator) (*execution.Order, error)
	SaveRecord(ctx context.Context, raw []byte) (*execution.ExecutionRecord, error)
	GetRecord(ctx context.Context, orderID string) (*execution.ExecutionRecord, error)
	PutMedia(ctx context.Context, id, contentType string, data []byte) error
	GetMedia(ctx context.Context, id string) ([]byte, string, error)
}

// OperatorRequest is the body of claim, release and complete requests.
type OperatorRequest struct {
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name,omitempty"`
}

// statusFor returns the HTTP status of err.
func statusFor(err error) int {
	switch {
	case errors.Is(err, authority.ErrOrderNotFound),
		errors.Is(err, authority.ErrRecordNotFound),
		errors.Is(err, storage.ErrMediaNotFound):
		return http.StatusNotFound
	case errors.Is(err, authority.ErrAlreadyClaimed),
		errors.Is(err, authority.ErrNotExecutable),
		errors.Is(err, authority.ErrNotClaimOwner),
		errors.Is(err, authority.ErrStaleSnapshot):
		return http.StatusConflict
	case errors.Is(err, authority.ErrInvalidSnapshot),
		errors.Is(err, authority.ErrMissingMedia),
		errors.Is(err, execution.ErrMissingOperatorID),
		errors.Is(err, execution.ErrInvalidStatus),
		errors.Is(err, ErrNoID):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// jsonError writes err with its API code and, for claim conflicts,
// the display name of the operator owning the claim.
func jsonError(w http.ResponseWriter, err error) {
	apiErr := &api.Error{Err: err.Error(), Code: authority.CodeForError(err)}
	var claimed *authority.ClaimedError
	if errors.As(err, &claimed) {
		apiErr.ClaimedBy = claimed.ClaimedBy.String()
	}
	api.JSONErrorCode(w, apiErr, statusFor(err))
}

func orderID(r *http.Request) (string, error) {
	id := flow.Param(r.Context(), "id")
	if id == "" {
		return "", ErrNoID
	}
	return id, nil
}

// PutOrderHandler registers or replaces an order.
func PutOrderHandler(svc Authority, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id, err := orderID(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		logger = logger.With(logkeys.OrderID, id)
		o := new(execution.Order)
		if err = json.NewDecoder(r.Body).Decode(o); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		o.ID = id
		if err = o.Validate(); err != nil {
			logger.Info(logkeys.Message, "validating order", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if err = svc.PutOrder(r.Context(), o); err != nil {
			logger.Info(logkeys.Message, "storing order", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		logger.Debug(logkeys.Message, "stored order")
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetOrderHandler retrieves an order.
func GetOrderHandler(svc Authority, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id, err := orderID(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		o, err := svc.GetOrder(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving order", logkeys.OrderID, id, logkeys.Error, err)
			jsonError(w, err)
			return
		}
		if err = api.JSON(w, o); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListOrdersHandler lists orders, optionally filtered by the status
// query parameter.
func ListOrdersHandler(svc Authority, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		status := execution.OrderStatus(r.URL.Query().Get("status"))
		orders, err := svc.ListOrders(r.Context(), status)
		if err != nil {
			logger.Info(logkeys.Message, "listing orders", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		if orders == nil {
			orders = []*execution.Order{}
		}
		logger.Debug(logkeys.Message, "listed orders", logkeys.GenericCount, len(orders))
		if err = api.JSON(w, orders); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

type orderOp func(ctx context.Context, id string, op execution.Operator) (*execution.Order, error)

// OperatorHandler creates a HandlerFunc that applies an operator's
// action (claim, release or complete) to an order and responds with
// the resulting order.
func OperatorHandler(action orderOp, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id, err := orderID(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		req := new(OperatorRequest)
		if err = json.NewDecoder(r.Body).Decode(req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.OrderID, id, logkeys.OperatorID, req.OperatorID)
		o, err := action(r.Context(), id, execution.Operator{ID: req.OperatorID, Name: req.OperatorName})
		if err != nil {
			logger.Info(logkeys.Message, "order action", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		logger.Debug(logkeys.Message, "order action", logkeys.OrderStatus, o.Status)
		if err = api.JSON(w, o); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// SaveRecordHandler accepts an execution record snapshot.
func SaveRecordHandler(svc Authority, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id, err := orderID(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		logger = logger.With(logkeys.OrderID, id)
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
		if err != nil {
			logger.Info(logkeys.Message, "reading body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		var keyed struct {
			OrderID string `json:"order_id"`
		}
		if err = json.Unmarshal(raw, &keyed); err == nil && keyed.OrderID != id {
			err = fmt.Errorf("%w: order id %q does not match %q", authority.ErrInvalidSnapshot, keyed.OrderID, id)
			logger.Info(logkeys.Message, "saving record", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		rec, err := svc.SaveRecord(r.Context(), raw)
		if err != nil {
			logger.Info(logkeys.Message, "saving record", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		logger.Debug(logkeys.Message, "saved record", logkeys.Seq, rec.Seq, logkeys.Step, rec.CurrentStep)
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetRecordHandler retrieves the last accepted snapshot of an order.
func GetRecordHandler(svc Authority, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id, err := orderID(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		rec, err := svc.GetRecord(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving record", logkeys.OrderID, id, logkeys.Error, err)
			jsonError(w, err)
			return
		}
		if err = api.JSON(w, rec); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// PutMediaHandler stores an uploaded image.
func PutMediaHandler(svc Authority, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id, err := orderID(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		logger = logger.With(logkeys.MediaID, id)
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
		if err != nil {
			logger.Info(logkeys.Message, "reading body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		if err = svc.PutMedia(r.Context(), id, contentType, data); err != nil {
			logger.Info(logkeys.Message, "storing media", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		logger.Debug(logkeys.Message, "stored media", logkeys.GenericCount, len(data))
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetMediaHandler serves an uploaded image.
func GetMediaHandler(svc Authority, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id, err := orderID(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			jsonError(w, err)
			return
		}
		data, contentType, err := svc.GetMedia(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving media", logkeys.MediaID, id, logkeys.Error, err)
			jsonError(w, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}
