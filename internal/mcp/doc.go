// Package mcp exposes the regcycle engine to agents over the Model Context
// Protocol.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and registers tools for starting and inspecting cycles, advancing
// automated steps, listing pending approvals and reading system health.
// Human decisions are not exposed. Approving or rejecting a task or
// gated action is only possible through the HTTP API, where the decider is
// a person identified by request headers.
package mcp
