// Package api holds the types shared by the engine, the workers and clients:
// instance projections, history events, decisions, activity contracts, the
// Engine and Executor interfaces, and the Observer hooks.
package api
