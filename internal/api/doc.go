// Package api exposes the agent protocol over HTTP. Handlers validate request
// shape, call the agent facade and translate its coded errors into status
// codes; they hold no business rules of their own.
package api
