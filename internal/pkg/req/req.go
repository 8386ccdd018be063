/*
Package req provides helper functions for HTTP request parsing and data binding.

Request bodies are size-limited JSON documents decoded strictly: unknown fields and trailing
content are rejected with the matching errs code.
*/
package req

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"meetmesh/internal/pkg/errs"
)

// MaxJSONBodySize is the largest accepted JSON request body (64 KB).
const MaxJSONBodySize int64 = 64 << 10

// BindJSON decodes the JSON request body into dst.
func BindJSON(r *http.Request, dst any) *errs.CustomError {
	return bindJSON(r, dst, false)
}

// BindOptionalJSON behaves like BindJSON but accepts an empty body, leaving dst untouched.
func BindOptionalJSON(r *http.Request, dst any) *errs.CustomError {
	return bindJSON(r, dst, true)
}

func bindJSON(r *http.Request, dst any, allowEmpty bool) *errs.CustomError {
	if allowEmpty && r.ContentLength == 0 {
		return nil
	}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return errs.NewError(errs.ErrUnsupportedMediaType)
	}

	body := io.LimitReader(r.Body, MaxJSONBodySize+1)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	if decoder.InputOffset() > MaxJSONBodySize {
		return errs.NewError(errs.ErrRequestEntityTooLarge)
	}

	if decoder.More() {
		return errs.NewError(errs.ErrExtraContentInBody)
	}

	return nil
}
