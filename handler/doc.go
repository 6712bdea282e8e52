// Package handler renders HTTP responses for the service's endpoints.
//
// Handlers build a Response and render it:
//
//	handler.JSON(result).Render(w, r)
//
// Errors go through an ErrorHandler. An HTTPError anywhere in the chain
// selects the status code and error key; anything else becomes a 500 with a
// generic message so internal details never reach the caller:
//
//	h := handler.NewErrorHandler(log)
//	h(w, r, fmt.Errorf("%w: %w", handler.ErrUnauthorized, err))
package handler
