package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gatekeys/internal/domain/auth"
	"github.com/xenking/gatekeys/internal/domain/keys"
)

// writeError maps a service error to an HTTP response. Errors outside the
// domain taxonomy are logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, op, keyID string, err error) {
	var (
		dup     *keys.DuplicateNameError
		invalid *keys.InvalidGroupsError
	)
	switch {
	case errors.Is(err, errBadBody):
		writeErrorBody(w, http.StatusBadRequest, errBadBody.Error())
	case errors.Is(err, keys.ErrForbidden):
		writeErrorBody(w, http.StatusForbidden, keys.ErrForbidden.Error())
	case errors.Is(err, keys.ErrNotFound):
		writeErrorBody(w, http.StatusNotFound, keys.ErrNotFound.Error())
	case errors.As(err, &dup):
		writeErrorBody(w, http.StatusBadRequest, dup.Error())
	case errors.As(err, &invalid):
		writeErrorBody(w, http.StatusBadRequest, invalid.Error())
	case errors.Is(err, keys.ErrNameRequired), errors.Is(err, keys.ErrSecretRequired):
		writeErrorBody(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, keys.ErrRemoteUnavailable):
		logFailure(r, op, keyID, err).Warn("Gateway call failed")
		writeErrorBody(w, http.StatusBadGateway, keys.ErrRemoteUnavailable.Error())
	default:
		logFailure(r, op, keyID, err).Error("Request failed")
		writeErrorBody(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func logFailure(r *http.Request, op, keyID string, err error) *zap.Logger {
	fields := []zap.Field{
		zap.String("operation", op),
		zap.Error(err),
	}
	if keyID != "" {
		fields = append(fields, zap.String("key_id", keyID))
	}
	if who, ok := auth.FromContext(r.Context()); ok {
		fields = append(fields, zap.String("user_id", who.ID))
	}
	return zctx.From(r.Context()).With(fields...)
}
