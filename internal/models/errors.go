package models

import "errors"

// Error taxonomy. Components wrap these sentinels so callers can map failures
// to retry policy and process exit codes with errors.Is.
var (
	// ErrSourceUnavailable: the mail source failed after all retries.
	ErrSourceUnavailable = errors.New("newsletter source unavailable")

	// ErrNoMessage: no newsletter matched the subject query in the window.
	ErrNoMessage = errors.New("no matching message")

	// ErrParse: a row or document could not be parsed. Row-level parse
	// failures are dropped with a diagnostic and never carry this upward.
	ErrParse = errors.New("parse error")

	// ErrOCR: the OCR adapter failed for an image.
	ErrOCR = errors.New("ocr error")

	// ErrStore: a database operation failed.
	ErrStore = errors.New("store error")

	// ErrBrokerUnavailable: the gateway connection could not be established.
	ErrBrokerUnavailable = errors.New("broker gateway unavailable")

	// ErrNoQuote: the gateway returned no usable price for a ticker.
	ErrNoQuote = errors.New("no quote data")

	// ErrMail: the alert digest could not be dispatched.
	ErrMail = errors.New("mail dispatch error")

	// ErrConfig: invalid or missing configuration. Fatal at startup.
	ErrConfig = errors.New("config error")
)
