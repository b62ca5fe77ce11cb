package restless

import (
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/diwise/restless/pkg/jsonapi"
	apierrors "github.com/diwise/restless/pkg/jsonapi/errors"
	"github.com/mssola/useragent"
)

// Negotiate checks that a request declares the JSON:API media type, without
// parameters. Internet Explorer 8 and 9 can not set the content type of
// script requests and are let through regardless of what they send.
func Negotiate(header http.Header) error {
	if isLegacyBrowser(header.Get("User-Agent")) {
		return nil
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		return apierrors.NewUnsupportedMediaTypeError(fmt.Sprintf("missing content type, expected %s", jsonapi.MediaType))
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != jsonapi.MediaType {
		return apierrors.NewUnsupportedMediaTypeError(fmt.Sprintf("unsupported content type %q, expected %s", contentType, jsonapi.MediaType))
	}

	if len(params) > 0 {
		return apierrors.NewUnsupportedMediaTypeError(fmt.Sprintf("media type parameters are not allowed in %q", contentType))
	}

	return nil
}

func isLegacyBrowser(userAgent string) bool {
	if userAgent == "" {
		return false
	}

	name, version := useragent.New(userAgent).Browser()
	if name != "Internet Explorer" {
		return false
	}

	return strings.HasPrefix(version, "8.") || strings.HasPrefix(version, "9.")
}
