package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/matryer/is"
)

func TestStatusCodesTranslateToSentinels(t *testing.T) {
	is := is.New(t)

	is.True(errors.Is(NewErrorFromResponse(http.StatusNotFound, "", nil), ErrNotFound))
	is.True(errors.Is(NewErrorFromResponse(http.StatusMethodNotAllowed, "", nil), ErrUnsupportedOperation))
	is.True(errors.Is(NewErrorFromResponse(http.StatusUnauthorized, "", nil), ErrAuthorizationRequired))
	is.True(errors.Is(NewErrorFromResponse(http.StatusConflict, "", nil), ErrConstraintViolation))
	is.True(errors.Is(NewErrorFromResponse(http.StatusBadRequest, "", nil), ErrConstraintViolation))
	is.True(errors.Is(NewErrorFromResponse(http.StatusInternalServerError, "", nil), ErrUnexpectedResponse))
	is.True(errors.Is(NewErrorFromResponse(http.StatusMultipleChoices, "", nil), ErrUnexpectedResponse))
}

func TestXMLErrorDocumentIsParsed(t *testing.T) {
	is := is.New(t)

	doc := `<?xml version="1.0" encoding="utf-8"?>
<m:error xmlns:m="http://schemas.microsoft.com/ado/2007/08/dataservices/metadata">
  <m:code>DuplicateKey</m:code>
  <m:message xml:lang="en-US">An entity with the same key already exists</m:message>
  <m:innererror>stack trace goes here</m:innererror>
</m:error>`

	err := NewErrorFromResponse(http.StatusConflict, "application/xml", []byte(doc))
	is.True(errors.Is(err, ErrConstraintViolation))

	var se *ServiceError
	is.True(errors.As(err, &se))
	is.Equal(se.StatusCode, http.StatusConflict)
	is.Equal(se.Code, "DuplicateKey")
	is.Equal(se.Message, "An entity with the same key already exists")
	is.Equal(se.InnerError, "stack trace goes here")
}

func TestJSONErrorDocumentIsParsed(t *testing.T) {
	is := is.New(t)

	doc := `{"error":{"code":"Forbidden","message":{"lang":"en-US","value":"no access"}}}`

	err := NewErrorFromResponse(http.StatusUnauthorized, "application/json", []byte(doc))
	is.True(errors.Is(err, ErrAuthorizationRequired))

	var se *ServiceError
	is.True(errors.As(err, &se))
	is.Equal(se.Code, "Forbidden")
	is.Equal(se.Message, "no access")
	is.Equal(err.Error(), "[401] Forbidden: no access")
}

func TestUnparsableBodyFallsBackToStatusText(t *testing.T) {
	is := is.New(t)

	err := NewErrorFromResponse(http.StatusInternalServerError, "text/html", []byte("<html>oops"))

	var se *ServiceError
	is.True(errors.As(err, &se))
	is.Equal(se.Message, http.StatusText(http.StatusInternalServerError))
	is.Equal(se.Code, "")
}

func TestLocalErrorsMatchTheirSentinel(t *testing.T) {
	is := is.New(t)

	is.True(errors.Is(NewAlreadyExistsError("x"), ErrAlreadyExists))
	is.True(errors.Is(NewNonExistentEntityError("x"), ErrNonExistentEntity))
	is.True(errors.Is(NewChangesetCommittedError("x"), ErrChangesetCommitted))
	is.True(!errors.Is(NewLinkAlreadyExistsError("x"), ErrAlreadyExists))
}
