package handler

import (
	"errors"

	"meetmesh/internal/app/meeting"
	"meetmesh/internal/pkg/errs"
)

// meetingError translates membership errors into client-facing errors. Anything unexpected is
// reported as a storage outage; the cause is logged when the response is written.
func meetingError(err error) *errs.CustomError {
	switch {
	case errors.Is(err, meeting.ErrMeetingNotFound):
		return errs.NewError(errs.ErrMeetingNotFound)
	case errors.Is(err, meeting.ErrMeetingExists):
		return errs.NewError(errs.ErrMeetingCodeExists)
	case errors.Is(err, meeting.ErrInvalidCode):
		return errs.NewError(errs.ErrMeetingCodeInvalid)
	case errors.Is(err, meeting.ErrBusy):
		return errs.Wrap(errs.ErrMeetingBusy, err)
	default:
		return errs.Wrap(errs.ErrStoreUnavailable, err)
	}
}
