/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"errors"

	"github.com/emersion/go-smtp"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
)

var ErrLocalErrorInProcessingError = &smtp.SMTPError{
	Code:         451,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "Local error in processing",
}

var ErrServiceNotAvailable = &smtp.SMTPError{
	Code:         421,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "Service not available",
}

var ErrRequestedActioNotTaken = &smtp.SMTPError{
	Code:         553,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "Requested action not taken: mailbox name not allowed",
}

var ErrTransactionFailed = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 0, 0},
	Message:      "Error: transaction failed",
}

var ErrAuthenticationFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

var ErrQuotaExceeded = &smtp.SMTPError{
	Code:         452,
	EnhancedCode: smtp.EnhancedCode{4, 5, 3},
	Message:      "Daily sending quota exceeded",
}

var ErrNoSendingConfiguration = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 3, 0},
	Message:      "No active sending configuration",
}

var ErrMessageMalformed = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 6, 0},
	Message:      "Message content could not be parsed",
}

// smtpError maps a dispatch error to the reply sent to the client. Total
// failures are temporary so the client retries later.
func smtpError(err error) *smtp.SMTPError {
	var smtpErr *smtp.SMTPError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &smtpErr):
		return smtpErr
	case errors.Is(err, dispatch.ErrQuotaExceeded):
		return ErrQuotaExceeded
	case errors.Is(err, dispatch.ErrNoCandidates):
		return ErrNoSendingConfiguration
	case errors.Is(err, dispatch.ErrInvalidField):
		return ErrRequestedActioNotTaken
	case errors.Is(err, dispatch.ErrAllCandidatesFailed):
		return ErrLocalErrorInProcessingError
	}
	return ErrTransactionFailed
}
