package api

import (
	"errors"

	"PolySignals/internal/domain/models"
	xhttp "PolySignals/pkg/http"
)

// toAppError maps domain failures onto HTTP errors. Server-side failures do
// not echo their cause to the client.
func toAppError(err error) *xhttp.AppError {
	var appErr *xhttp.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, models.ErrNotEntitled):
		return xhttp.ForbiddenError(err.Error()).WithError(err)
	case errors.Is(err, models.ErrNotFound):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	}
	kind, _ := models.KindOf(err)
	switch kind {
	case models.KindDataQuality:
		return xhttp.BadRequestError(err.Error()).WithError(err)
	case models.KindExecutionConflict:
		return xhttp.ConflictError(err.Error()).WithError(err)
	case models.KindTransientIO:
		return xhttp.UnavailableError("upstream temporarily unavailable").WithError(err)
	case models.KindIntegrityViolation:
		e := xhttp.InternalError("ledger integrity check failed").WithError(err)
		e.Code = "ERR_INTEGRITY"
		return e
	}
	return xhttp.InternalError("internal error").WithError(err)
}
