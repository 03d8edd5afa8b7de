package oauth

import "github.com/brendanlong/lion-reader-sub011/server"

// Error is re-exported from the server package so embedding applications only
// need this package on their import path.
type Error = server.Error

// RedirectError is re-exported from the server package.
type RedirectError = server.RedirectError

// OAuth error codes as constants.
const (
	ErrorCodeInvalidRequest        = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant          = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient         = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope          = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken          = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient    = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType  = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponse   = server.ErrorCodeUnsupportedResponse
	ErrorCodeServerError           = server.ErrorCodeServerError
	ErrorCodeAccessDenied          = server.ErrorCodeAccessDenied
	ErrorCodeInvalidRedirectURI    = server.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidClientMetadata = server.ErrorCodeInvalidClientMetadata
	ErrorCodeRateLimitExceeded     = server.ErrorCodeRateLimitExceeded
)

// Common OAuth error constructors, re-exported.
var (
	NewError                   = server.NewError
	ErrInvalidRequest          = server.ErrInvalidRequest
	ErrInvalidGrant            = server.ErrInvalidGrant
	ErrInvalidClient           = server.ErrInvalidClient
	ErrInvalidScope            = server.ErrInvalidScope
	ErrInvalidToken            = server.ErrInvalidToken
	ErrUnsupportedGrantType    = server.ErrUnsupportedGrantType
	ErrUnsupportedResponseType = server.ErrUnsupportedResponseType
	ErrServerError             = server.ErrServerError
	ErrAccessDenied            = server.ErrAccessDenied
	ErrInvalidRedirectURI      = server.ErrInvalidRedirectURI
	ErrInvalidClientMetadata   = server.ErrInvalidClientMetadata
)
