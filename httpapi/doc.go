// Package httpapi serves the second-factor routes over fiber: enrollment,
// verification by TOTP, SMS or recovery code, recovery-code management,
// account recovery and emergency requests.
//
// Every response is JSON unless the client asks for HTML, in which case
// errors and successes become flash messages and redirects.
package httpapi
