// Package middleware adapts the twofa Engine to fiber.
//
// # Chain
//
//   - [ClientContext] copies the client IP, user agent and device
//     fingerprint into the request's user context.
//   - [Authenticate] validates the session token and rejects revoked
//     sessions. It runs after ClientContext.
//   - [Gate] enforces the second factor on every non-excluded path.
//   - [RateLimit] throttles routes that have no engine operation of their own.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. Verification,
// expiry and lockdown decisions are made by the Engine; the middleware only
// picks the status code, JSON body or redirect.
package middleware
