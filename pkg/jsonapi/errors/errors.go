package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/diwise/restless/pkg/jsonapi"
	"github.com/google/uuid"
)

var ErrUnsupportedMediaType = fmt.Errorf("unsupported media type")
var ErrMalformedRequest = fmt.Errorf("malformed request")
var ErrUnknownAttribute = fmt.Errorf("unknown attribute")
var ErrReadOnlyAttribute = fmt.Errorf("read only attribute")
var ErrRelationshipResolution = fmt.Errorf("relationship resolution failed")
var ErrDeserialization = fmt.Errorf("deserialization failed")
var ErrSerialization = fmt.Errorf("serialization failed")
var ErrIntegrityConflict = fmt.Errorf("integrity conflict")
var ErrMethodNotAllowed = fmt.Errorf("method not allowed")
var ErrNotFound = fmt.Errorf("not found")
var ErrForbidden = fmt.Errorf("forbidden")
var ErrStorage = fmt.Errorf("storage error")
var ErrInternal = fmt.Errorf("internal error")

// client side failures, never reported in error documents
var ErrRequest = fmt.Errorf("request error")
var ErrBadResponse = fmt.Errorf("bad response")

type myError struct {
	msg    string
	target error
	cause  error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }
func (m myError) Unwrap() error        { return m.cause }

func NewUnsupportedMediaTypeError(msg string) error {
	return &myError{msg: msg, target: ErrUnsupportedMediaType}
}

func NewMalformedRequestError(msg string) error {
	return &myError{msg: msg, target: ErrMalformedRequest}
}

func NewUnknownAttributeError(msg string) error {
	return &myError{msg: msg, target: ErrUnknownAttribute}
}

func NewReadOnlyAttributeError(msg string) error {
	return &myError{msg: msg, target: ErrReadOnlyAttribute}
}

func NewRelationshipResolutionError(msg string) error {
	return &myError{msg: msg, target: ErrRelationshipResolution}
}

// NewDeserializationError hides the cause from the client facing message but
// keeps it reachable through errors.Unwrap for logging
func NewDeserializationError(cause error) error {
	return &myError{msg: "unable to deserialize request payload", target: ErrDeserialization, cause: cause}
}

func NewSerializationError(cause error) error {
	return &myError{msg: "unable to serialize resource", target: ErrSerialization, cause: cause}
}

func NewIntegrityConflictError(msg string, cause error) error {
	return &myError{msg: msg, target: ErrIntegrityConflict, cause: cause}
}

func NewMethodNotAllowedError(msg string) error {
	return &myError{msg: msg, target: ErrMethodNotAllowed}
}

func NewNotFoundError(msg string) error {
	return &myError{msg: msg, target: ErrNotFound}
}

func NewForbiddenError(msg string) error {
	return &myError{msg: msg, target: ErrForbidden}
}

func NewStorageError(msg string, cause error) error {
	return &myError{msg: msg, target: ErrStorage, cause: cause}
}

type statusEntry struct {
	target error
	code   int
	title  string
}

var statusTable = []statusEntry{
	{ErrUnsupportedMediaType, http.StatusUnsupportedMediaType, "Unsupported Media Type"},
	{ErrMalformedRequest, http.StatusBadRequest, "Malformed Request"},
	{ErrUnknownAttribute, http.StatusBadRequest, "Unknown Attribute"},
	{ErrReadOnlyAttribute, http.StatusBadRequest, "Read Only Attribute"},
	{ErrRelationshipResolution, http.StatusBadRequest, "Relationship Resolution Failed"},
	{ErrDeserialization, http.StatusBadRequest, "Deserialization Failed"},
	{ErrSerialization, http.StatusBadRequest, "Serialization Failed"},
	{ErrIntegrityConflict, http.StatusConflict, "Conflict"},
	{ErrMethodNotAllowed, http.StatusMethodNotAllowed, "Method Not Allowed"},
	{ErrNotFound, http.StatusNotFound, "Not Found"},
	{ErrForbidden, http.StatusForbidden, "Forbidden"},
	{ErrStorage, http.StatusBadRequest, "Storage Error"},
	{ErrInternal, http.StatusInternalServerError, "Internal Error"},
}

// StatusCode returns the HTTP status code associated with an error
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.code
	}

	for _, e := range statusTable {
		if errors.Is(err, e.target) {
			return e.code
		}
	}

	return http.StatusInternalServerError
}

func titleFor(err error) string {
	for _, e := range statusTable {
		if errors.Is(err, e.target) {
			return e.title
		}
	}

	return http.StatusText(StatusCode(err))
}

// StatusError is an error that dictates its own response status, it is
// used by processors that want to abort a request with a specific code
type StatusError struct {
	code   int
	detail string
	cause  error
}

func NewStatusError(code int, detail string) *StatusError {
	return &StatusError{code: code, detail: detail}
}

// WithStatus overrides the response status of err while keeping it
// matchable against the taxonomy sentinels
func WithStatus(code int, err error) *StatusError {
	return &StatusError{code: code, detail: err.Error(), cause: err}
}

func (se *StatusError) Error() string {
	return se.detail
}

func (se *StatusError) Unwrap() error {
	return se.cause
}

func (se *StatusError) StatusCode() int {
	return se.code
}

//ErrorObject is a JSON:API error object
//See https://jsonapi.org/format/#error-objects
type ErrorObject struct {
	id      string
	status  int
	code    string
	title   string
	detail  string
	traceID string
}

//NewErrorObject creates an error object describing err. The detail is taken
//from the error message.
func NewErrorObject(err error, traceID string) *ErrorObject {
	code := StatusCode(err)

	return &ErrorObject{
		id:      uuid.NewString(),
		status:  code,
		code:    codeFor(err),
		title:   titleFor(err),
		detail:  err.Error(),
		traceID: traceID,
	}
}

func codeFor(err error) string {
	for _, e := range statusTable {
		if errors.Is(err, e.target) {
			return e.target.Error()
		}
	}
	return ""
}

func (eo *ErrorObject) Status() int {
	return eo.status
}

func (eo *ErrorObject) Detail() string {
	return eo.detail
}

//MarshalJSON is called when an ErrorObject instance should be serialized to JSON
func (eo *ErrorObject) MarshalJSON() ([]byte, error) {
	var meta map[string]string

	if eo.traceID != "" {
		meta = map[string]string{"traceID": eo.traceID}
	}

	return json.Marshal(struct {
		ID     string            `json:"id"`
		Status string            `json:"status"`
		Code   string            `json:"code,omitempty"`
		Title  string            `json:"title"`
		Detail string            `json:"detail,omitempty"`
		Meta   map[string]string `json:"meta,omitempty"`
	}{
		ID:     eo.id,
		Status: fmt.Sprintf("%d", eo.status),
		Code:   eo.code,
		Title:  eo.title,
		Detail: eo.detail,
		Meta:   meta,
	})
}

//WriteResponse writes an error document containing this error object
func (eo *ErrorObject) WriteResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", jsonapi.MediaType)
	w.Header().Add("Content-Language", "en")
	w.WriteHeader(eo.status)

	body, err := json.Marshal(struct {
		Errors []*ErrorObject `json:"errors"`
	}{
		Errors: []*ErrorObject{eo},
	})
	if err == nil {
		w.Write(body)
	}
}

//ReportError creates an error object for err and sends it to the supplied http.ResponseWriter
func ReportError(w http.ResponseWriter, err error, traceID string) {
	NewErrorObject(err, traceID).WriteResponse(w)
}

// NewErrorFromDocument converts an error document received from a remote
// JSON:API service back into an error matching the taxonomy sentinels
func NewErrorFromDocument(code int, body []byte) error {
	document := &struct {
		Errors []struct {
			Status string `json:"status"`
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}{}

	err := json.Unmarshal(body, document)
	if err != nil || len(document.Errors) == 0 {
		return &myError{
			msg:    fmt.Sprintf("[code: %d] failed to process error document", code),
			target: sentinelForStatus(code),
			cause:  err,
		}
	}

	first := document.Errors[0]
	detail := first.Detail
	if detail == "" {
		detail = first.Title
	}

	for _, e := range statusTable {
		if first.Code == e.target.Error() {
			return &myError{msg: detail, target: e.target}
		}
	}

	return &myError{msg: detail, target: sentinelForStatus(code)}
}

func sentinelForStatus(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrIntegrityConflict
	case http.StatusUnsupportedMediaType:
		return ErrUnsupportedMediaType
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusBadRequest:
		return ErrMalformedRequest
	default:
		return ErrInternal
	}
}
