package errors

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

var ErrAlreadyExists = fmt.Errorf("already exists")
var ErrAuthorizationRequired = fmt.Errorf("authorization required")
var ErrChangesetCommitted = fmt.Errorf("changeset already committed")
var ErrConstraintViolation = fmt.Errorf("constraint violation")
var ErrLinkAlreadyExists = fmt.Errorf("link already exists")
var ErrNonExistentEntity = fmt.Errorf("non existent entity")
var ErrNotFound = fmt.Errorf("not found")
var ErrProtocolDocument = fmt.Errorf("protocol document error")
var ErrRequestDenied = fmt.Errorf("request denied")
var ErrUnexpectedResponse = fmt.Errorf("unexpected response")
var ErrUnsupportedOperation = fmt.Errorf("unsupported operation")

var ErrInternal = fmt.Errorf("internal error")
var ErrRequest = fmt.Errorf("request error")
var ErrBadResponse = fmt.Errorf("bad response")

type myError struct {
	msg    string
	target error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }

func NewAlreadyExistsError(msg string) error {
	return &myError{msg: msg, target: ErrAlreadyExists}
}

func NewChangesetCommittedError(msg string) error {
	return &myError{msg: msg, target: ErrChangesetCommitted}
}

func NewConstraintViolationError(msg string) error {
	return &myError{msg: msg, target: ErrConstraintViolation}
}

func NewLinkAlreadyExistsError(msg string) error {
	return &myError{msg: msg, target: ErrLinkAlreadyExists}
}

func NewNonExistentEntityError(msg string) error {
	return &myError{msg: msg, target: ErrNonExistentEntity}
}

func NewNotFoundError(msg string) error {
	return &myError{msg: msg, target: ErrNotFound}
}

func NewProtocolDocumentError(msg string) error {
	return &myError{msg: msg, target: ErrProtocolDocument}
}

func NewRequestDeniedError(msg string) error {
	return &myError{msg: msg, target: ErrRequestDenied}
}

func NewUnexpectedResponseError(msg string) error {
	return &myError{msg: msg, target: ErrUnexpectedResponse}
}

func NewUnsupportedOperationError(msg string) error {
	return &myError{msg: msg, target: ErrUnsupportedOperation}
}

// ServiceError is the translated form of an unsuccessful response from an OData service
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
	InnerError string

	target error
}

func (se *ServiceError) Error() string {
	if se.Code != "" {
		return fmt.Sprintf("[%d] %s: %s", se.StatusCode, se.Code, se.Message)
	}
	return fmt.Sprintf("[%d] %s", se.StatusCode, se.Message)
}

func (se *ServiceError) Is(target error) bool { return target == se.target }

// KindForStatus returns the sentinel that an unexpected status code translates to
func KindForStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusMethodNotAllowed:
		return ErrUnsupportedOperation
	case code == http.StatusUnauthorized:
		return ErrAuthorizationRequired
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		return ErrConstraintViolation
	default:
		return ErrUnexpectedResponse
	}
}

// NewUnexpectedStatusError is used where any status but the expected one is a protocol error,
// regardless of the error class it would otherwise translate to
func NewUnexpectedStatusError(code int) error {
	return &ServiceError{
		StatusCode: code,
		Message:    http.StatusText(code),
		target:     ErrUnexpectedResponse,
	}
}

// NewErrorFromResponse translates a status code and an optional error document into a ServiceError
func NewErrorFromResponse(code int, contentType string, body []byte) error {
	se := &ServiceError{
		StatusCode: code,
		Message:    http.StatusText(code),
		target:     KindForStatus(code),
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return se
	}

	var ok bool
	if strings.Contains(contentType, "json") {
		ok = se.readJSON(body)
	} else {
		ok = se.readXML(body)
	}

	if !ok && se.Message == "" {
		se.Message = fmt.Sprintf("status code %d", code)
	}

	return se
}

type xmlErrorDocument struct {
	XMLName    xml.Name
	Code       string `xml:"code"`
	Message    string `xml:"message"`
	InnerError string `xml:"innererror"`
}

func (se *ServiceError) readXML(body []byte) bool {
	doc := &xmlErrorDocument{}
	if err := xml.Unmarshal(body, doc); err != nil || doc.XMLName.Local != "error" {
		return false
	}

	se.Code = strings.TrimSpace(doc.Code)
	if msg := strings.TrimSpace(doc.Message); msg != "" {
		se.Message = msg
	}
	se.InnerError = strings.TrimSpace(doc.InnerError)

	return true
}

func (se *ServiceError) readJSON(body []byte) bool {
	doc := &struct {
		Error *struct {
			Code       string          `json:"code"`
			Message    json.RawMessage `json:"message"`
			InnerError json.RawMessage `json:"innererror"`
		} `json:"error"`
	}{}

	if err := json.Unmarshal(body, doc); err != nil || doc.Error == nil {
		return false
	}

	se.Code = doc.Error.Code

	// version 2 services wrap the message in an object with a language tag
	var msg string
	if err := json.Unmarshal(doc.Error.Message, &msg); err != nil {
		wrapped := struct {
			Value string `json:"value"`
		}{}
		if json.Unmarshal(doc.Error.Message, &wrapped) == nil {
			msg = wrapped.Value
		}
	}

	if msg != "" {
		se.Message = msg
	}

	if len(doc.Error.InnerError) > 0 {
		se.InnerError = string(doc.Error.InnerError)
	}

	return true
}
